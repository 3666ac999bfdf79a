package discovery

import (
	"regexp"
	"strconv"

	"opdesk/internal/domain"
)

// The backend prints a line shaped like
// "opencode server listening on http://127.0.0.1:4096" before it
// accepts connections. Any http://HOST:PORT token on a line counts.
var announceRe = regexp.MustCompile(`http://([^\s:/]+):(\d+)`)

// ParseAnnouncement extracts the listening endpoint from one line of
// backend stdout. Returns false when the line carries no usable
// address.
func ParseAnnouncement(line string) (domain.Endpoint, bool) {
	match := announceRe.FindStringSubmatch(line)
	if match == nil {
		return domain.Endpoint{}, false
	}
	port, err := strconv.Atoi(match[2])
	if err != nil || port <= 0 || port > 65535 {
		return domain.Endpoint{}, false
	}
	return domain.Endpoint{Host: match[1], Port: port}, true
}
