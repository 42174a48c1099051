package cli_test

import (
	"bytes"
	"testing"

	"github.com/calvinalkan/gridcalc/internal/cli"
)

func Test_Bare_Command_Prints_Usage(t *testing.T) {
	t.Parallel()

	var stdout, stderr bytes.Buffer

	exitCode := cli.Run(nil, &stdout, &stderr, []string{"gridcalc"}, nil, nil)

	if got, want := exitCode, 0; got != want {
		t.Errorf("exitCode=%d, want=%d", got, want)
	}

	if got, want := stderr.String(), ""; got != want {
		t.Errorf("stderr=%q, want=%q", got, want)
	}

	cli.AssertContains(t, stdout.String(), "Usage: gridcalc")
	cli.AssertContains(t, stdout.String(), "Global flags:")
	cli.AssertContains(t, stdout.String(), "--cwd")
	cli.AssertContains(t, stdout.String(), "--tile-size")
	cli.AssertContains(t, stdout.String(), "pcount <values> <count>")
	cli.AssertContains(t, stdout.String(), "store <ls|prune>")
}

func Test_Invalid_Global_Flag_Fails_With_Usage(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stderr := c.MustFail("--invalid-flag", "print-config")

	cli.AssertContains(t, stderr, "unknown flag")
	cli.AssertContains(t, stderr, "--invalid-flag")
	cli.AssertContains(t, stderr, "Global flags:")
}

func Test_Unknown_Command_Fails(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stderr := c.MustFail("frobnicate")

	cli.AssertContains(t, stderr, "unknown command: frobnicate")
	cli.AssertContains(t, stderr, "Commands:")
}

func Test_Invalid_Config_Value_Fails(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stderr := c.MustFail("--workers", "0", "print-config")

	cli.AssertContains(t, stderr, "workers must be positive")
}

func Test_Command_Help_Shows_Flags(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stdout := c.MustRun("invert", "--help")

	cli.AssertContains(t, stdout, "Usage: gridcalc invert <values> <count>")
	cli.AssertContains(t, stdout, "--all")
	cli.AssertContains(t, stdout, "--type")
}

func Test_Command_Flag_Error_Fails(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stderr := c.MustFail("pcount", "--bogus")

	cli.AssertContains(t, stderr, "unknown flag: --bogus")
	cli.AssertContains(t, stderr, "Usage: gridcalc pcount")
}

func Test_Print_Config_Shows_Defaults_And_Sources(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stdout := c.MustRun("print-config")

	cli.AssertContains(t, stdout, "effective_cwd="+c.Dir)
	cli.AssertContains(t, stdout, "cache_dir="+c.CacheDir())
	cli.AssertContains(t, stdout, "workers=4")
	cli.AssertContains(t, stdout, "persist=true")
	cli.AssertContains(t, stdout, "(defaults only)")

	cfgPath := c.WriteFile(".gridcalc.json", `{
		// project settings
		"workers": 2,
		"tile_size": 1024,
	}`)

	stdout = c.MustRun("--no-persist", "print-config")

	cli.AssertContains(t, stdout, "workers=2")
	cli.AssertContains(t, stdout, "tile_size=1024")
	cli.AssertContains(t, stdout, "persist=false")
	cli.AssertContains(t, stdout, "project_config="+cfgPath)
	cli.AssertNotContains(t, stdout, "(defaults only)")
}
