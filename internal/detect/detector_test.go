package detect

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botherd/botherd/internal/common/logger"
	"github.com/botherd/botherd/internal/fleet"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "error",
		Format:     "console",
		OutputPath: "stdout",
	})
	require.NoError(t, err)
	return log
}

func TestDetector_Classify(t *testing.T) {
	d := NewDetector(nil, newTestLogger(t))

	tests := []struct {
		name     string
		procName string
		exe      string
		cwd      string
		cmdline  string
		want     fleet.BotType
		matched  bool
	}{
		{
			name:     "maibot by cwd",
			procName: "python",
			exe:      "/usr/bin/python3",
			cwd:      "/home/bots/MaiBot",
			cmdline:  "python3 bot.py",
			want:     fleet.BotTypeMaiBot,
			matched:  true,
		},
		{
			name:     "maibot by entry script",
			procName: "python",
			exe:      "/usr/bin/python3",
			cwd:      "/opt/deploy",
			cmdline:  "python3 main.py",
			want:     fleet.BotTypeMaiBot,
			matched:  true,
		},
		{
			name:     "maibot by underscore name",
			procName: "mai_bot",
			cmdline:  "./mai_bot",
			want:     fleet.BotTypeMaiBot,
			matched:  true,
		},
		{
			name:     "mofox by cwd",
			procName: "python",
			exe:      "/usr/bin/python3",
			cwd:      "/home/bots/MoFox_bot",
			cmdline:  "python3 run.py",
			want:     fleet.BotTypeMoFoxBot,
			matched:  true,
		},
		{
			name:     "mofox by cmdline",
			procName: "python",
			cmdline:  "python3 /srv/mofox_bot/run.py",
			want:     fleet.BotTypeMoFoxBot,
			matched:  true,
		},
		{
			name:     "unrelated process",
			procName: "nginx",
			exe:      "/usr/sbin/nginx",
			cwd:      "/",
			cmdline:  "nginx -g daemon off;",
			matched:  false,
		},
		{
			name:    "empty attributes",
			matched: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := d.Classify(tt.procName, tt.exe, tt.cwd, tt.cmdline)
			assert.Equal(t, tt.matched, ok)
			if tt.matched {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestDetector_ClassifyCustomSignatures(t *testing.T) {
	d := NewDetector([]Signature{
		{BotType: fleet.BotTypeMoFoxBot, Keywords: []string{"customfox"}},
	}, newTestLogger(t))

	got, ok := d.Classify("customfox", "", "", "")
	require.True(t, ok)
	assert.Equal(t, fleet.BotTypeMoFoxBot, got)

	// The default keywords are not in effect.
	_, ok = d.Classify("maibot", "", "", "")
	assert.False(t, ok)
}

func TestDetector_ClassifyCaseInsensitive(t *testing.T) {
	d := NewDetector(nil, newTestLogger(t))

	got, ok := d.Classify("MAIBOT.exe", "", "", "")
	require.True(t, ok)
	assert.Equal(t, fleet.BotTypeMaiBot, got)
}
