package client

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/graph-exporter/pkg/window"
)

// timestampField is the record attribute the window filter applies to.
const timestampField = "createdDateTime"

// formatTimestamp renders t the way the Graph $filter grammar expects:
// UTC, RFC 3339, fractional seconds only when present.
func formatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// Filter builds the $filter expression selecting records created inside w.
// The upper bound is exclusive so adjacent windows never share a record.
func Filter(w window.Window, userID string) string {
	filter := fmt.Sprintf("%s ge %s and %s lt %s",
		timestampField, formatTimestamp(w.Start),
		timestampField, formatTimestamp(w.End))

	if userID != "" {
		filter += fmt.Sprintf(" and userPrincipalName eq '%s'", strings.ReplaceAll(userID, "'", "''"))
	}
	return filter
}

// firstPageURL builds the URL of the first page of a window query.
func (c *Client) firstPageURL(w window.Window, pageSize int) string {
	base := strings.TrimRight(c.config.BaseURL, "/")
	resource := strings.Trim(c.config.Resource, "/")

	// OData system query options keep their literal '$' prefix.
	filter := strings.ReplaceAll(url.QueryEscape(Filter(w, c.config.UserID)), "+", "%20")
	return fmt.Sprintf("%s/%s/%s?$top=%s&$filter=%s",
		base, c.config.Version, resource, strconv.Itoa(pageSize), filter)
}
