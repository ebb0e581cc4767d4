// Copyright The Far Memory Runtime Authors. All Rights Reserved.
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

package log

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetReturnsSameLogger(t *testing.T) {
	l1 := Get("test-source")
	l2 := Get("test-source")
	require.Equal(t, l1, l2)
	require.Equal(t, "test-source", l1.Source())

	l3 := NewLogger("other-source")
	require.NotEqual(t, l1, l3)
}

func TestDebugEnabling(t *testing.T) {
	SetLevel(LevelInfo)
	defer SetLevel(DefaultLevel)

	l := Get("debug-test")
	require.False(t, l.DebugEnabled())

	prev := l.EnableDebug(true)
	require.False(t, prev)
	require.True(t, l.DebugEnabled())

	prev = l.EnableDebug(false)
	require.True(t, prev)
	require.False(t, l.DebugEnabled())
}

func TestDebugSeedsNewLoggers(t *testing.T) {
	SetLevel(LevelInfo)
	defer SetLevel(DefaultLevel)

	EnableDebug("seeded-source", true)
	l := Get("seeded-source")
	require.True(t, l.DebugEnabled())
}

func TestLevelGating(t *testing.T) {
	SetLevel(LevelError)
	defer SetLevel(DefaultLevel)

	l := Get("level-test")
	require.False(t, l.DebugEnabled())

	// Per-source debug overrides the global level.
	l.EnableDebug(true)
	require.True(t, l.DebugEnabled())
	l.EnableDebug(false)
}
