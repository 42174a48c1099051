package clc

import "errors"

// ErrShapeMismatch is returned when kernel operands do not line up.
var ErrShapeMismatch = errors.New("operand shapes differ")
