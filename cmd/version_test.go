package cmd

import (
	"github.com/burtonwilliamt/Monty/monty"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
)

func TestVersionCommand(t *testing.T) {
	restoreEnv(t)
	originalVersion := monty.Version
	originalCommitSHA := monty.CommitSHA
	originalBuildTime := monty.BuildTime
	t.Cleanup(
		func() {
			monty.Version = originalVersion
			monty.CommitSHA = originalCommitSHA
			monty.BuildTime = originalBuildTime
		},
	)

	monty.Version = "1.0.0"
	monty.CommitSHA = "abc123"
	monty.BuildTime = "2024-10-01T12:00:00Z"

	output, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "version=1.0.0 commit=abc123 built: 2024-10-01T12:00:00Z\n", output)
}
