package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerWithNoFileWritesOnlyToStderr(t *testing.T) {
	logger, closeFn, err := newLogger("")
	require.NoError(t, err)
	defer closeFn()
	assert.NotNil(t, logger)
}

func TestNewLoggerWithFileFansOutToBoth(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nnd.log")

	logger, closeFn, err := newLogger(path)
	require.NoError(t, err)
	logger.Info("hello", "k", "v")
	require.NoError(t, closeFn())

	contents, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(contents), "hello")
}

func TestNewLoggerWithUnwritablePathErrors(t *testing.T) {
	_, _, err := newLogger("/nonexistent-dir/nnd.log")
	require.Error(t, err)
}

func TestRunRootWithNoArgsAndNoPidIsUsageError(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{})
	err := cmd.Execute()
	require.Error(t, err)
	var ee *exitError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, 1, ee.code)
}

func TestRunRootWithBothProgramAndPidIsUsageError(t *testing.T) {
	pidFlag = 0
	cmd := newRootCmd()
	cmd.SetArgs([]string{"-p", "123", "./target"})
	err := cmd.Execute()
	require.Error(t, err)
	var ee *exitError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, 1, ee.code)
}

func TestHelpTopicCommandPrintsTopicText(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"help", "breakpoints"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "int3")
}

func TestHelpTopicCommandUnknownTopicIsUsageError(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"help", "nosuchtopic"})
	err := cmd.Execute()
	require.Error(t, err)
	var ee *exitError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, 1, ee.code)
}

func TestExitErrorUnwrap(t *testing.T) {
	inner := &exitError{code: 2, err: assertError("boom")}
	assert.Equal(t, "boom", inner.Unwrap().Error())
	assert.Equal(t, "boom", inner.Error())
}

type assertError string

func (e assertError) Error() string { return string(e) }
