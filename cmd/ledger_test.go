package cmd

import (
	"github.com/burtonwilliamt/Monty/monty"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"strings"
	"testing"
)

const (
	testGuild = "100000000000000001"
	testUser  = "300000000000000003"
	otherUser = "300000000000000004"
)

func grant(t testing.TB, user string, amount string, reason string) string {
	t.Helper()
	output, err := execute(
		t,
		"ledger", "grant",
		"--guild", testGuild,
		"--user", user,
		"--amount", amount,
		"--reason", reason,
	)
	require.NoError(t, err, output)
	return output
}

func TestLedgerCommands(t *testing.T) {
	setTestDatabase(t)

	output := grant(t, testUser, "10", "welcome")
	assert.Contains(t, output, "0 -> 10\n")
	output = grant(t, testUser, "-2.5", "fine")
	assert.Contains(t, output, "10 -> 7.5\n")
	grant(t, otherUser, "100", "jackpot")

	output, err := execute(t, "ledger", "balance", "--guild", testGuild, "--user", testUser)
	require.NoError(t, err)
	assert.Equal(t, "7.5", lastLine(output))

	output, err = execute(t, "ledger", "balance", "--guild", "999", "--user", testUser)
	require.NoError(t, err)
	assert.Equal(t, "0", lastLine(output))

	output, err = execute(t, "ledger", "leaderboard", "--guild", testGuild)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(output), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, []string{"RANK", "USER", "BALANCE"}, strings.Fields(lines[0]))
	assert.Equal(t, []string{"1", otherUser, "100"}, strings.Fields(lines[1]))
	assert.Equal(t, []string{"2", testUser, "7.5"}, strings.Fields(lines[2]))

	output, err = execute(
		t,
		"ledger", "history",
		"--guild", testGuild,
		"--user", testUser,
		"--limit", "0",
	)
	require.NoError(t, err)
	lines = strings.Split(strings.TrimSpace(output), "\n")
	require.Len(t, lines, 3)
	newest := strings.Fields(lines[1])
	assert.Equal(t, []string{"10", "7.5", "fine"}, newest[1:])
	oldest := strings.Fields(lines[2])
	assert.Equal(t, []string{"0", "10", "welcome"}, oldest[1:])

	output, err = execute(
		t,
		"ledger", "history",
		"--guild", testGuild,
		"--user", testUser,
		"--limit", "1",
	)
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(output), "\n"), 2)
}

func TestLedgerGrant_InsufficientFunds(t *testing.T) {
	setTestDatabase(t)
	grant(t, testUser, "5", "welcome")

	_, err := execute(
		t,
		"ledger", "grant",
		"--guild", testGuild,
		"--user", testUser,
		"--amount", "-6",
		"--reason", "too much",
	)
	require.ErrorIs(t, err, monty.ErrInsufficientFunds)

	output, err := execute(t, "ledger", "balance", "--guild", testGuild, "--user", testUser)
	require.NoError(t, err)
	assert.Equal(t, "5", lastLine(output))
}

func TestLedgerGrant_ZeroAmount(t *testing.T) {
	setTestDatabase(t)
	_, err := execute(
		t,
		"ledger", "grant",
		"--guild", testGuild,
		"--user", testUser,
		"--amount", "0",
		"--reason", "nothing",
	)
	require.Error(t, err)
}

func TestLedgerGrant_NonFiniteAmount(t *testing.T) {
	setTestDatabase(t)
	for _, amount := range []string{"NaN", "Inf", "-Inf"} {
		_, err := execute(
			t,
			"ledger", "grant",
			"--guild", testGuild,
			"--user", testUser,
			"--amount", amount,
		)
		require.ErrorIsf(t, err, monty.ErrInvalidAmount, "amount: %s", amount)
	}

	output, err := execute(t, "ledger", "balance", "--guild", testGuild, "--user", testUser)
	require.NoError(t, err)
	assert.Equal(t, "0", lastLine(output))
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return lines[len(lines)-1]
}
