package contacts

import (
	"net/url"

	"github.com/matheus3301/smartlink/internal/account"
	"github.com/matheus3301/smartlink/internal/apperr"
)

const inviteScheme, inviteHost = "smartlink", "add-friend"

// InviteLink returns the add-friend link of u, shown as a QR code.
func InviteLink(u account.User) string {
	q := url.Values{"user_id": {u.ID}}
	if name := u.Name(); name != "" {
		q.Set("name", name)
	}
	return (&url.URL{Scheme: inviteScheme, Host: inviteHost, RawQuery: q.Encode()}).String()
}

// ParseInvite extracts the user id from an add-friend link.
func ParseInvite(link string) (string, error) {
	u, err := url.Parse(link)
	if err != nil || u.Scheme != inviteScheme || u.Host != inviteHost {
		return "", apperr.Invalid("parse invite", "%q is not an add-friend link", link)
	}
	id := u.Query().Get("user_id")
	if id == "" {
		return "", apperr.Invalid("parse invite", "link has no user_id")
	}
	return id, nil
}
