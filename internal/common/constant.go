package common

// AccessTokenHeaderName is the gRPC metadata key carrying the staff access
// token.
const AccessTokenHeaderName = "access_token"

// Archive namespaces separate the three export shapes inside a zip.
const (
	NamespaceExplicit = ""
	NamespaceUnread   = "unread"
	NamespaceAll      = "all"
)
