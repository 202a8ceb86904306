package imap

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

type criteriaKind int

const (
	criteriaAll criteriaKind = iota
	criteriaSince
	criteriaQuery
	criteriaUIDAfter
)

// SearchCriteria selects the UIDs a search returns. Build one with
// SearchAll, SearchSince, SearchQuery or SearchUIDAfter.
type SearchCriteria struct {
	kind      criteriaKind
	since     time.Time
	query     Query
	watermark uint32
}

// SearchAll matches every message
func SearchAll() SearchCriteria {
	return SearchCriteria{kind: criteriaAll}
}

// SearchSince matches messages received on or after the date of t
func SearchSince(t time.Time) SearchCriteria {
	return SearchCriteria{kind: criteriaSince, since: t}
}

// SearchQuery matches a server-side boolean query
func SearchQuery(q Query) SearchCriteria {
	return SearchCriteria{kind: criteriaQuery, query: q}
}

// SearchUIDAfter matches messages with a UID above the watermark
func SearchUIDAfter(watermark uint32) SearchCriteria {
	return SearchCriteria{kind: criteriaUIDAfter, watermark: watermark}
}

// Watermark returns the watermark of a delta search
func (s SearchCriteria) Watermark() (uint32, bool) {
	return s.watermark, s.kind == criteriaUIDAfter
}

// String renders the criteria as UID SEARCH arguments
func (s SearchCriteria) String() string {
	switch s.kind {
	case criteriaSince:
		return "SINCE " + s.since.Format("2-Jan-2006")
	case criteriaQuery:
		return s.query.String()
	case criteriaUIDAfter:
		return fmt.Sprintf("UID %d:*", s.watermark+1)
	}
	return "ALL"
}

// Op combines query terms
type Op string

const (
	OpAnd Op = "AND"
	OpOr  Op = "OR"
)

// Term is a single search key. Field is one of FROM, TO, SUBJECT, TEXT.
type Term struct {
	Field string
	Value string
}

// Query is a flat boolean combination of terms
type Query struct {
	Op    Op
	Terms []Term
}

// String renders the query in IMAP prefix notation. OR is binary on the
// wire, so n terms become n-1 nested ORs.
func (q Query) String() string {
	terms := make([]string, 0, len(q.Terms))
	for _, t := range q.Terms {
		field := strings.ToUpper(strings.TrimSpace(t.Field))
		if field == "" || t.Value == "" {
			continue
		}
		terms = append(terms, field+" "+quote(t.Value))
	}

	switch {
	case len(terms) == 0:
		return "ALL"
	case strings.EqualFold(string(q.Op), string(OpOr)):
		return orChain(terms)
	}
	return strings.Join(terms, " ")
}

func orChain(terms []string) string {
	if len(terms) == 1 {
		return terms[0]
	}
	return "OR " + terms[0] + " " + wrap(orChain(terms[1:]), len(terms) > 2)
}

func wrap(s string, paren bool) string {
	if paren {
		return "(" + s + ")"
	}
	return s
}

// Search runs UID SEARCH in the selected folder. The result is ascending
// and deduplicated; for delta criteria UIDs at or below the watermark are
// dropped, since "n:*" always matches the highest UID.
func (c *Client) Search(ctx context.Context, criteria SearchCriteria) ([]uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.requireSelected(); err != nil {
		return nil, err
	}

	args := criteria.String()
	if !isASCII(args) {
		args = "CHARSET UTF-8 " + args
	}
	resp, err := c.conn.Command(ctx, "UID SEARCH "+args)
	if err != nil {
		return nil, c.ioError("search", err)
	}
	if !resp.OK() {
		return nil, fmt.Errorf("%w: %w", ErrCommandFailed, statusError("SEARCH", resp))
	}

	seen := make(map[uint32]struct{})
	for _, u := range resp.Untagged {
		if kind, _ := untaggedKind(u); kind != "SEARCH" {
			continue
		}
		fields := strings.Fields(string(u))
		for _, f := range fields[2:] {
			n, err := strconv.ParseUint(f, 10, 32)
			if err != nil || n == 0 {
				continue
			}
			seen[uint32(n)] = struct{}{}
		}
	}

	watermark, delta := criteria.Watermark()
	uids := make([]uint32, 0, len(seen))
	for uid := range seen {
		if delta && uid <= watermark {
			continue
		}
		uids = append(uids, uid)
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids, nil
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}
