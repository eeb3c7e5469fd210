package session

import (
	"deskmail/pkg/log"

	"github.com/pkg/browser"
)

// Opener shows an authorization URL to the user.
type Opener interface {
	Open(url string) error
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(url string) error

func (f OpenerFunc) Open(url string) error {
	return f(url)
}

// BrowserOpener opens URLs in the system default browser.
type BrowserOpener struct{}

func (BrowserOpener) Open(url string) error {
	return browser.OpenURL(url)
}

// pendingOpener is the in-app fallback: the URL is kept on the account session
// for the status surface and written to the log.
type pendingOpener struct{}

func (pendingOpener) Open(url string) error {
	log.Warn().Str("auth_url", url).Msg("Open this URL to reauthorize the account")
	return nil
}
