package presence

import (
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/chat-relay/relay/internal/protocol"
	"github.com/pkg/errors"
)

// DefaultMaxNicknameLength bounds nicknames, in runes.
const DefaultMaxNicknameLength = 32

// Admission errors. They are terminal for the connection attempt and are
// reported to the client as join.rejected.
var (
	ErrMissingIdentity     = errors.New("nickname is required")
	ErrNicknameTaken       = errors.New("nickname is already in use")
	ErrNicknameTooLong     = errors.New("nickname is too long")
	ErrInvalidNickname     = errors.New("nickname contains invalid characters")
	ErrDuplicateConnection = errors.New("connection is already registered")
)

// Session binds a live connection to the nickname it claimed.
type Session struct {
	ConnectionID string    `json:"connectionId"`
	Nickname     string    `json:"nickname"`
	JoinedAt     time.Time `json:"joinedAt"`
}

func (s Session) Peer() protocol.Peer {
	return protocol.Peer{ConnectionID: s.ConnectionID, Nickname: s.Nickname}
}

// NormalizeNickname trims surrounding whitespace. Matching after that is exact
// and case-sensitive.
func NormalizeNickname(nickname string) string {
	return strings.TrimSpace(nickname)
}

// ValidateNickname checks a normalized nickname. maxLen <= 0 disables the
// length check.
func ValidateNickname(nickname string, maxLen int) error {
	if nickname == "" {
		return ErrMissingIdentity
	}
	if !utf8.ValidString(nickname) {
		return ErrInvalidNickname
	}
	for _, r := range nickname {
		if unicode.IsControl(r) {
			return ErrInvalidNickname
		}
	}
	if maxLen > 0 && utf8.RuneCountInString(nickname) > maxLen {
		return ErrNicknameTooLong
	}
	return nil
}

// RejectionCode maps an admission error to its join.rejected code.
func RejectionCode(err error) string {
	switch errors.Cause(err) {
	case ErrMissingIdentity:
		return "missing_identity"
	case ErrNicknameTaken:
		return "nickname_taken"
	case ErrNicknameTooLong:
		return "nickname_too_long"
	case ErrInvalidNickname:
		return "invalid_nickname"
	default:
		return "rejected"
	}
}
