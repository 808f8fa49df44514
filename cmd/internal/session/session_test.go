package session

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	t.Parallel()

	cases := []struct {
		id, role string
		want     Session
		wantErr  bool
	}{
		{id: "5", role: "participant", want: Session{ID: 5, Role: RoleParticipant}},
		{id: " 9 ", role: "ADMIN", want: Session{ID: 9, Role: RoleAdmin}},
		{id: "abc", role: "ADMIN", wantErr: true},
		{id: "0", role: "ADMIN", wantErr: true},
		{id: "3", role: "INVESTOR", wantErr: true},
		{id: "3", role: "", wantErr: true},
	}

	for _, tc := range cases {
		got, err := Parse(tc.id, tc.role)
		if tc.wantErr {
			require.Error(t, err, "Parse(%q,%q)", tc.id, tc.role)
			require.True(t, errors.Is(err, ErrInvalidSession))
			continue
		}
		require.NoError(t, err)
		require.Equal(t, tc.want, got)
	}
}

func TestIsAdmin(t *testing.T) {
	t.Parallel()

	require.True(t, Session{ID: 1, Role: RoleAdmin}.IsAdmin())
	require.False(t, Session{ID: 1, Role: RoleParticipant}.IsAdmin())
}
