package main

import (
	"context"
	"os"
	"strconv"
)

// Result is the outcome of one database-client invocation. Output is
// human-readable text to be relayed to the operator, never parsed.
type Result struct {
	ExitCode int
	Output   string
}

func (r Result) ok() bool { return r.ExitCode == 0 }

// DBClient is the seam to the external database client. The database is
// chosen per call because the destructive reset must run against the
// maintenance database while everything else targets the import database.
type DBClient interface {
	ExecStatement(ctx context.Context, database, stmt string) (Result, error)
	ExecFile(ctx context.Context, database, path string) (Result, error)
}

const defaultClientBin = "psql"

// psqlClient shells out to psql. The password is psql's business: it prompts
// on the controlling terminal or picks up PGPASSWORD, so stdin stays attached
// to the operator.
type psqlClient struct {
	runner CommandRunner
	bin    string
	target TargetConfig
}

func newPsqlClient(runner CommandRunner, target TargetConfig) *psqlClient {
	return &psqlClient{runner: runner, bin: defaultClientBin, target: target}
}

func (c *psqlClient) baseArgs(database string) []string {
	return []string{
		"--host", c.target.Endpoint,
		"--port", strconv.Itoa(c.target.Port),
		"--username", c.target.User,
		"--dbname", database,
		"--no-psqlrc",
	}
}

func (c *psqlClient) ExecStatement(ctx context.Context, database, stmt string) (Result, error) {
	args := append(c.baseArgs(database), "--command", stmt)
	return c.run(ctx, args)
}

// ExecFile runs a SQL file without stop-on-error: statements that fail are
// reported in the output while the rest of the file still executes, keeping
// partial imports inspectable.
func (c *psqlClient) ExecFile(ctx context.Context, database, path string) (Result, error) {
	args := append(c.baseArgs(database), "--file", path)
	return c.run(ctx, args)
}

func (c *psqlClient) run(ctx context.Context, args []string) (Result, error) {
	code, out, err := c.runner.Run(ctx, c.bin, args, os.Stdin)
	if err != nil {
		return Result{ExitCode: code, Output: out}, err
	}
	return Result{ExitCode: code, Output: out}, nil
}
