package auth

import "strings"

// UnknownDisplayName is used when no claim yields a name.
const UnknownDisplayName = "Unknown User"

type nameExtractor func(map[string]any) string

var nameExtractors = []nameExtractor{
	nameField("name"),
	nameField("full_name"),
	givenAndFamilyName,
	nameField("given_name"),
}

// ExtractDisplayName derives a display name from top-level claims, then from
// user_metadata, then from the email local part.
func ExtractDisplayName(claims ExternalClaims) string {
	sources := []map[string]any{claims.Map(), claims.Metadata(claimUserMetadata)}
	for _, source := range sources {
		if source == nil {
			continue
		}
		for _, extract := range nameExtractors {
			if name := extract(source); name != "" {
				return name
			}
		}
	}
	if local := EmailLocalPart(claims.Email()); local != "" {
		return local
	}
	return UnknownDisplayName
}

// EmailLocalPart returns the text before "@", or "" when email has no "@".
func EmailLocalPart(email string) string {
	at := strings.Index(email, "@")
	if at < 0 {
		return ""
	}
	return strings.TrimSpace(email[:at])
}

func nameField(key string) nameExtractor {
	return func(source map[string]any) string {
		return stringValue(source[key])
	}
}

func givenAndFamilyName(source map[string]any) string {
	given := stringValue(source["given_name"])
	family := stringValue(source["family_name"])
	if given == "" || family == "" {
		return ""
	}
	return given + " " + family
}
