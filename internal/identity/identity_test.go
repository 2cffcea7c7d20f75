package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolve(t *testing.T) {
	tests := []struct {
		name       string
		rawUID     string
		messageID  string
		sourceName string
		opts       Options
		want       string
		readable   bool
	}{
		{
			name:      "message id substitutes raw uid",
			rawUID:    "123",
			messageID: "<abc@x>",
			opts:      Options{UseMessageIDAsUID: true},
			want:      "<abc@x>",
			readable:  true,
		},
		{
			name:       "missing message id falls back to raw uid with prefix",
			rawUID:     "123",
			messageID:  "",
			sourceName: "Inbox1",
			opts:       Options{UseMessageIDAsUID: true, MultiSource: true},
			want:       "Inbox1_123",
			readable:   true,
		},
		{
			name:      "plain raw uid",
			rawUID:    "42",
			messageID: "<abc@x>",
			opts:      Options{},
			want:      "42",
			readable:  true,
		},
		{
			name:       "multi source prefixes",
			rawUID:     "42",
			sourceName: "Support",
			opts:       Options{MultiSource: true},
			want:       "Support_42",
			readable:   true,
		},
		{
			name:     "empty uid is unreadable",
			rawUID:   "",
			opts:     Options{},
			readable: false,
		},
		{
			name:       "empty uid stays unreadable even in multi source mode",
			rawUID:     "",
			sourceName: "Inbox1",
			opts:       Options{MultiSource: true},
			readable:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Resolve(tt.rawUID, tt.messageID, tt.sourceName, tt.opts)
			assert.Equal(t, tt.readable, ok)
			if tt.readable {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestSourcePrefix(t *testing.T) {
	assert.Equal(t, "Inbox1_", SourcePrefix("Inbox1"))
}
