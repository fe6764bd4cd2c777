// Package query generates the GraphQL documents sent to the GitHub v4 API.
// All functions are pure string builders with no state and no I/O.
package query

import (
	"fmt"
	"strconv"
	"strings"
)

// cursorToken renders a pagination cursor for inclusion in a query document.
// An absent cursor must render as the literal null sentinel, a present one as a
// quoted token, because the API distinguishes "first page" from "subsequent
// page" by exactly this difference.
func cursorToken(cursor string) string {
	if cursor == "" {
		return "null"
	}
	return strconv.Quote(cursor)
}

// Overview returns a query fetching one overview page in a single round trip:
// the viewer's identity, pull request and issue totals, a page of owned
// non-fork repositories and a page of repositories contributed to, each repo
// carrying its top languages by size.
func Overview(ownedCursor, contribCursor string) string {
	return fmt.Sprintf(`{
  viewer {
    login,
    name,
    pullRequests(first: 1) {
        totalCount
    }
    openIssues: issues(states: OPEN) {
        totalCount
    }
    closedIssues: issues(states: CLOSED) {
        totalCount
    }
    repositories(
        first: 100,
        orderBy: {
            field: UPDATED_AT,
            direction: DESC
        },
        isFork: false,
        after: %s
    ) {
      pageInfo {
        hasNextPage
        endCursor
      }
      nodes {
        nameWithOwner
        languages(first: 10, orderBy: {field: SIZE, direction: DESC}) {
          edges {
            size
            node {
              name
              color
            }
          }
        }
      }
    }
    repositoriesContributedTo(
        first: 100,
        includeUserRepositories: false,
        orderBy: {
            field: UPDATED_AT,
            direction: DESC
        },
        contributionTypes: [
            COMMIT,
            PULL_REQUEST,
            REPOSITORY,
            PULL_REQUEST_REVIEW
        ]
        after: %s
    ) {
      pageInfo {
        hasNextPage
        endCursor
      }
      nodes {
        nameWithOwner
        languages(first: 10, orderBy: {field: SIZE, direction: DESC}) {
          edges {
            size
            node {
              name
              color
            }
          }
        }
      }
    }
  }
}
`, cursorToken(ownedCursor), cursorToken(contribCursor))
}

// ContributionYears returns a query for all years in which the viewer has any
// recorded contribution.
func ContributionYears() string {
	return `
query {
  viewer {
    contributionsCollection {
      contributionYears
    }
  }
}
`
}

// YearContributions returns one aliased sub-query fragment for a single year's
// total contribution count, bounded to the civil year.
func YearContributions(year int) string {
	return fmt.Sprintf(`
    year%d: contributionsCollection(
        from: "%d-01-01T00:00:00Z",
        to: "%d-01-01T00:00:00Z"
    ) {
      contributionCalendar {
        totalContributions
      }
    }
`, year, year, year+1)
}

// AllContributions batches one YearContributions fragment per year into a
// single document, so an arbitrary list of years costs one round trip.
func AllContributions(years []int) string {
	fragments := make([]string, 0, len(years))
	for _, year := range years {
		fragments = append(fragments, YearContributions(year))
	}
	return fmt.Sprintf(`
query {
  viewer {
    %s
  }
}
`, strings.Join(fragments, "\n"))
}
