package fetcher

import (
	"net/http"
	"net/url"
	"regexp"
	"strings"
)

const defaultDriveEndpoint = "https://drive.google.com/uc"

var (
	drivePathID  = regexp.MustCompile(`/(?:file/)?d/([a-zA-Z0-9_-]+)`)
	driveConfirm = regexp.MustCompile(`confirm=([0-9A-Za-z_-]+)`)
)

// DriveFileID extracts the file id from Google Drive share links
// (/file/d/ID/view, open?id=ID, uc?id=ID).
func DriveFileID(u *url.URL) (string, bool) {
	host := strings.ToLower(u.Hostname())
	if host != "drive.google.com" && host != "docs.google.com" {
		return "", false
	}
	if m := drivePathID.FindStringSubmatch(u.Path); m != nil {
		return m[1], true
	}
	if id := u.Query().Get("id"); id != "" {
		return id, true
	}
	return "", false
}

func driveDownloadURL(endpoint, id, confirm string) string {
	q := url.Values{}
	q.Set("export", "download")
	q.Set("id", id)
	if confirm != "" {
		q.Set("confirm", confirm)
	}
	return endpoint + "?" + q.Encode()
}

func confirmFromCookies(jar http.CookieJar, u *url.URL) string {
	if jar == nil || u == nil {
		return ""
	}
	for _, c := range jar.Cookies(u) {
		if strings.HasPrefix(c.Name, "download_warning") {
			return c.Value
		}
	}
	return ""
}

func confirmFromHTML(body []byte) string {
	if m := driveConfirm.FindSubmatch(body); m != nil {
		return string(m[1])
	}
	return ""
}
