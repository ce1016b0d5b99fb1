// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package subprocess

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_CapturesOutputAndExitCode(t *testing.T) {
	res, err := Run(context.Background(), Request{
		Program: "sh",
		Argv:    []string{"-c", "echo out; echo err 1>&2; exit 0"},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "out\n", res.StdoutFull)
	assert.Equal(t, "err\n", res.StderrFull)
	assert.False(t, res.TimedOut)
}

func TestRun_NonzeroExitIsNotAnError(t *testing.T) {
	res, err := Run(context.Background(), Request{
		Program: "sh",
		Argv:    []string{"-c", "exit 7"},
	})
	require.NoError(t, err)
	assert.Equal(t, 7, res.ExitCode)
}

func TestRun_StreamsLinesToCallback(t *testing.T) {
	var lines []string
	_, err := Run(context.Background(), Request{
		Program:      "sh",
		Argv:         []string{"-c", "echo one; echo two; echo three"},
		OnStdoutLine: func(l string) { lines = append(lines, l) },
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two", "three"}, lines)
}

func TestRun_SuppressStderrStillCapturesFullBuffer(t *testing.T) {
	var stderrLines []string
	res, err := Run(context.Background(), Request{
		Program:        "sh",
		Argv:           []string{"-c", "echo noisy 1>&2"},
		SuppressStderr: true,
		OnStderrLine:   func(l string) { stderrLines = append(stderrLines, l) },
	})
	require.NoError(t, err)
	assert.Empty(t, stderrLines)
	assert.Equal(t, "noisy\n", res.StderrFull)
}

func TestRun_TimeoutReportsProcessError(t *testing.T) {
	res, err := Run(context.Background(), Request{
		Program: "sh",
		Argv:    []string{"-c", "sleep 5"},
		Timeout: 50 * time.Millisecond,
	})
	require.Error(t, err)
	var perr *ProcessError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, KindTimeout, perr.Kind)
	assert.True(t, res.TimedOut)
}

func TestRun_EnvOverlayIsVisibleToChild(t *testing.T) {
	res, err := Run(context.Background(), Request{
		Program: "sh",
		Argv:    []string{"-c", "echo $PRODIGY_TEST_VAR"},
		Env:     map[string]string{"PRODIGY_TEST_VAR": "hello"},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello\n", res.StdoutFull)
}

func TestRun_SpawnErrorForMissingProgram(t *testing.T) {
	_, err := Run(context.Background(), Request{Program: "prodigy-definitely-not-a-real-binary"})
	require.Error(t, err)
	var perr *ProcessError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, KindSpawn, perr.Kind)
}

func TestRun_StdinIsForwarded(t *testing.T) {
	res, err := Run(context.Background(), Request{
		Program: "sh",
		Argv:    []string{"-c", "cat"},
		Stdin:   strings.NewReader("piped input\n"),
	})
	require.NoError(t, err)
	assert.Equal(t, "piped input\n", res.StdoutFull)
}
