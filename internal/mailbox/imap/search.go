package imap

import (
	"time"

	"github.com/emersion/go-imap/v2"

	"github.com/orientinsight/bookingmail/internal/mailbox"
)

// searchCriteria builds SINCE <window> (OR FROM a FROM b ...) NOT KEYWORD <processed>.
// FROM is a substring match on the server, so "@domain" entries work as
// suffix filters; the exact check happens again against the parsed sender.
func searchCriteria(since time.Time, allow mailbox.AllowList, processedKeyword string) *imap.SearchCriteria {
	criteria := &imap.SearchCriteria{Since: since}

	if processedKeyword != "" {
		criteria.NotFlag = []imap.Flag{imap.Flag(processedKeyword)}
	}

	var from []imap.SearchCriteria
	for _, entry := range allow.Entries() {
		from = append(from, imap.SearchCriteria{
			Header: []imap.SearchCriteriaHeaderField{{Key: "From", Value: entry}},
		})
	}

	switch len(from) {
	case 0:
	case 1:
		criteria.Header = from[0].Header
	default:
		acc := from[0]
		for _, f := range from[1:] {
			acc = imap.SearchCriteria{Or: [][2]imap.SearchCriteria{{acc, f}}}
		}
		criteria.Or = acc.Or
	}

	return criteria
}
