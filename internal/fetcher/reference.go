package fetcher

import (
	"net/url"
	"regexp"
	"strings"
)

var (
	reDrivePath = regexp.MustCompile(`/file/d/([A-Za-z0-9_-]+)`)
	reBareID    = regexp.MustCompile(`^[A-Za-z0-9_-]{10,}$`)
	reConfirm   = regexp.MustCompile(`confirm=([0-9A-Za-z_-]+)`)
	reConfirmIn = regexp.MustCompile(`name="confirm"\s+value="([0-9A-Za-z_-]+)"`)
)

// DefaultConfirmToken is replayed when an interstitial page carries no
// recognisable confirmation token.
const DefaultConfirmToken = "t"

// Target is a resolved source reference.
type Target struct {
	// FileID is set for Drive references.
	FileID string
	// URL is the address of the first request.
	URL string
}

// ResolveReference turns a user-supplied reference into a download target.
// downloadURL is the base of the canonical Drive download address.
func ResolveReference(ref, downloadURL string) (Target, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return Target{}, fail(ref, "empty reference", nil)
	}
	if id := driveFileID(ref); id != "" {
		u, err := canonicalURL(downloadURL, id)
		if err != nil {
			return Target{}, fail(ref, "invalid download url", err)
		}
		return Target{FileID: id, URL: u}, nil
	}
	if u, err := url.Parse(ref); err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != "" {
		return Target{URL: u.String()}, nil
	}
	return Target{}, fail(ref, "unsupported reference", nil)
}

func driveFileID(ref string) string {
	if reBareID.MatchString(ref) {
		return ref
	}
	u, err := url.Parse(ref)
	if err != nil || !isDriveHost(u.Host) {
		return ""
	}
	if id := matchFirst(reDrivePath, u.Path); id != "" {
		return id
	}
	return u.Query().Get("id")
}

func isDriveHost(host string) bool {
	host = strings.ToLower(host)
	return host == "drive.google.com" || host == "docs.google.com" || host == "drive.usercontent.google.com"
}

func canonicalURL(base, id string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("export", "download")
	q.Set("id", id)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// withConfirm returns rawURL with the confirm parameter set to token.
func withConfirm(rawURL, token string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("confirm", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// confirmToken extracts the interstitial's token, falling back to
// DefaultConfirmToken. found reports whether the page carried one.
func confirmToken(body []byte) (token string, found bool) {
	s := string(body)
	if t := matchFirst(reConfirm, s); t != "" {
		return t, true
	}
	if t := matchFirst(reConfirmIn, s); t != "" {
		return t, true
	}
	return DefaultConfirmToken, false
}

func matchFirst(re *regexp.Regexp, s string) string {
	m := re.FindStringSubmatch(s)
	if len(m) < 2 {
		return ""
	}
	return strings.TrimSpace(m[1])
}
