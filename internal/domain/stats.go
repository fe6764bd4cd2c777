// Package domain contains the core data structures and domain logic for the application.
package domain

// LanguageStat accumulates usage of a single language across all counted
// repositories. Color keeps the value from the first repository that reported
// the language and is never overwritten afterwards.
type LanguageStat struct {
	Size        int     `json:"size"`
	Occurrences int     `json:"occurrences"`
	Color       string  `json:"color,omitempty"`
	Proportion  float64 `json:"proportion"`
}

// UserSnapshot is the aggregate result of a full statistics pass for one user.
// It is the core domain entity of this application: assembled once, never
// refreshed for the lifetime of the process.
type UserSnapshot struct {
	Name               string                  `json:"name"`
	TotalContributions int                     `json:"total_contributions"`
	Issues             int                     `json:"issues"`
	PullRequests       int                     `json:"pull_requests"`
	Additions          int                     `json:"additions"`
	Deletions          int                     `json:"deletions"`
	Views              int                     `json:"views"`
	Repos              []string                `json:"repos"`
	Languages          map[string]LanguageStat `json:"languages"`
}
