package cmd

import (
	"context"
	"errors"
	"github.com/burtonwilliamt/Monty/monty"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// setTestDatabase points the config at a fresh sqlite database
func setTestDatabase(t testing.TB) string {
	t.Helper()
	restoreEnv(t)
	os.Clearenv()
	dbPath := filepath.Join(t.TempDir(), "monty.sqlite3")
	t.Setenv("MONTY_DATABASE_TYPE", "sqlite")
	t.Setenv("MONTY_DATABASE", dbPath)
	return dbPath
}

func mockPasswords(t testing.TB, passwords ...string) {
	t.Helper()
	t.Cleanup(func() { customPasswordReader = nil })
	customPasswordReader = func() ([]byte, error) {
		if len(passwords) == 0 {
			return nil, errors.New("no more passwords")
		}
		password := passwords[0]
		passwords = passwords[1:]
		return []byte(password), nil
	}
}

func TestInitCommand(t *testing.T) {
	dbPath := setTestDatabase(t)
	mockPasswords(t, "mismatched", "testpassword", "testpassword", "testpassword")
	rootCmd.SetIn(strings.NewReader("testadmin\n"))

	output, err := execute(t, "init")
	require.NoError(t, err)
	t.Logf("output: %s", output)

	assert.FileExists(t, dbPath)
	assert.Contains(t, output, "Ledger loaded with 0 account(s).")
	assert.Contains(t, output, "Admin credentials are not set. Let's set them up.")
	assert.Contains(t, output, "Enter admin username:")
	assert.Contains(t, output, "Passwords do not match. Please try again.")
	assert.Contains(t, output, "Admin credentials set successfully")
	assert.Contains(t, output, "Initialization complete")

	db, err := monty.CreateDB(context.Background(), "sqlite", dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { closeDB(db) })

	var config monty.RuntimeConfig
	require.NoError(t, db.Last(&config).Error)
	assert.Equal(t, "testadmin", config.AdminUsername)
	assert.True(t, strings.HasPrefix(config.AdminPassword, "$argon2id$"))
	assert.NotContains(t, config.AdminPassword, "testpassword")

	var count int64
	require.NoError(t, db.Model(&monty.RuntimeConfig{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestInitCommand_AlreadySet(t *testing.T) {
	setTestDatabase(t)
	mockPasswords(t, "testpassword", "testpassword")
	rootCmd.SetIn(strings.NewReader("testadmin\n"))
	_, err := execute(t, "init")
	require.NoError(t, err)

	output, err := execute(t, "init")
	require.NoError(t, err)
	assert.Contains(t, output, "Admin credentials are already set.")
	assert.NotContains(t, output, "Enter admin username:")
}

func TestInitCommand_EmptyUsername(t *testing.T) {
	setTestDatabase(t)
	mockPasswords(t)
	rootCmd.SetIn(strings.NewReader("\n"))

	_, err := execute(t, "init")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "username is required")
}

func TestInitCommand_UnsupportedDatabase(t *testing.T) {
	setTestDatabase(t)
	t.Setenv("MONTY_DATABASE_TYPE", "mysql")

	_, err := execute(t, "init")
	require.Error(t, err)
}
