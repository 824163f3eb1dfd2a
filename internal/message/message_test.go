package message

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseRole(t *testing.T) {
	tests := []struct {
		in      string
		want    Role
		wantErr bool
	}{
		{in: "assistant", want: RoleAssistant},
		{in: " User ", want: RoleUser},
		{in: "system", wantErr: true},
		{in: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseRole(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestRoles_AllValid(t *testing.T) {
	for _, r := range Roles() {
		require.True(t, r.Valid(), string(r))
	}
	require.False(t, Role("bot").Valid())
}

func TestJoinText(t *testing.T) {
	msgs := []Message{{Text: "hello"}, {Text: "how are you"}}
	require.Equal(t, "hello\nhow are you", JoinText(msgs))
	require.Equal(t, "", JoinText(nil))
}
