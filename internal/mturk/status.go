package mturk

import "strings"

// MapAssignmentStatus maps the remote status vocabulary onto the local
// assignment status enum. Total and case-insensitive; anything unknown
// (including blank) is treated as submitted.
func MapAssignmentStatus(status string) string {
	switch strings.ToLower(status) {
	case "approved":
		return "approved"
	case "rejected":
		return "rejected"
	case "expired":
		return "expired"
	case "returned":
		return "returned"
	default:
		return "submitted"
	}
}
