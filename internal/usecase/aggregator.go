// Package usecase contains the business logic of the application.
package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/t-okamura/github-user-stats/internal/domain"
	"github.com/t-okamura/github-user-stats/internal/gateway"
	"github.com/t-okamura/github-user-stats/internal/query"
)

// Options carries the caller-supplied aggregation policy.
type Options struct {
	// ExcludeRepos is matched exactly against owner/name identifiers.
	ExcludeRepos []string
	// ExcludeLangs is matched case-insensitively against language names.
	ExcludeLangs []string
	// IgnoreContributed drops the contributed-to collection entirely and
	// counts owned repositories only.
	IgnoreContributed bool
}

// Stats retrieves and caches aggregate statistics for one GitHub user.
// All accessors are lazy: the first read of any field in a computation group
// runs the group's full pass, and every later read is served from the cache.
// Concurrent first reads share a single in-flight computation.
type Stats struct {
	username      string
	requester     gateway.Requester
	excludeRepos  map[string]struct{}
	excludeLangs  map[string]struct{}
	ignoreContrib bool
	logger        logrus.FieldLogger

	flight singleflight.Group

	mu       sync.Mutex
	overview *overviewResult
	contribs *int
	lines    *lineCounts
	views    *int
}

// lineCounts are the additions and deletions authored by the user across all
// counted repositories.
type lineCounts struct {
	additions int
	deletions int
}

// overviewResult is the memoized output of one full aggregation pass. It is
// written exactly once and treated as read-only afterwards; accessors hand
// out copies of its maps.
type overviewResult struct {
	name      string
	issues    int
	prs       int
	repos     map[string]struct{}
	languages map[string]*domain.LanguageStat
}

// Response envelopes for the documents built by internal/query. Only the
// fields the aggregation reads are declared.
type pageInfo struct {
	HasNextPage bool   `json:"hasNextPage"`
	EndCursor   string `json:"endCursor"`
}

type repoNode struct {
	NameWithOwner string `json:"nameWithOwner"`
	Languages     struct {
		Edges []struct {
			Size int `json:"size"`
			Node struct {
				Name  string `json:"name"`
				Color string `json:"color"`
			} `json:"node"`
		} `json:"edges"`
	} `json:"languages"`
}

type repoConnection struct {
	PageInfo pageInfo   `json:"pageInfo"`
	Nodes    []repoNode `json:"nodes"`
}

type totalCount struct {
	TotalCount int `json:"totalCount"`
}

type overviewEnvelope struct {
	Data struct {
		Viewer struct {
			Login                     string         `json:"login"`
			Name                      string         `json:"name"`
			PullRequests              totalCount     `json:"pullRequests"`
			OpenIssues                totalCount     `json:"openIssues"`
			ClosedIssues              totalCount     `json:"closedIssues"`
			Repositories              repoConnection `json:"repositories"`
			RepositoriesContributedTo repoConnection `json:"repositoriesContributedTo"`
		} `json:"viewer"`
	} `json:"data"`
}

type yearsEnvelope struct {
	Data struct {
		Viewer struct {
			ContributionsCollection struct {
				ContributionYears []int `json:"contributionYears"`
			} `json:"contributionsCollection"`
		} `json:"viewer"`
	} `json:"data"`
}

type contributionsEnvelope struct {
	Data struct {
		Viewer map[string]struct {
			ContributionCalendar struct {
				TotalContributions int `json:"totalContributions"`
			} `json:"contributionCalendar"`
		} `json:"viewer"`
	} `json:"data"`
}

// REST response shapes.
type contributorStat struct {
	Author struct {
		Login string `json:"login"`
	} `json:"author"`
	Weeks []struct {
		Additions int `json:"a"`
		Deletions int `json:"d"`
	} `json:"weeks"`
}

type trafficViews struct {
	Views []struct {
		Count int `json:"count"`
	} `json:"views"`
}

// NewStats creates a new Stats instance for the given user.
func NewStats(username string, requester gateway.Requester, opts Options, logger logrus.FieldLogger) *Stats {
	excludeRepos := make(map[string]struct{}, len(opts.ExcludeRepos))
	for _, repo := range opts.ExcludeRepos {
		excludeRepos[repo] = struct{}{}
	}
	excludeLangs := make(map[string]struct{}, len(opts.ExcludeLangs))
	for _, lang := range opts.ExcludeLangs {
		excludeLangs[strings.ToLower(lang)] = struct{}{}
	}
	return &Stats{
		username:      username,
		requester:     requester,
		excludeRepos:  excludeRepos,
		excludeLangs:  excludeLangs,
		ignoreContrib: opts.IgnoreContributed,
		logger:        logger,
	}
}

// snapshot returns the memoized overview result, computing it on first use.
// Concurrent callers of a not-yet-computed snapshot await the same in-flight
// pass through the singleflight group rather than launching duplicates.
func (s *Stats) snapshot(ctx context.Context) *overviewResult {
	s.mu.Lock()
	cached := s.overview
	s.mu.Unlock()
	if cached != nil {
		return cached
	}
	return s.overviewFlight(ctx)
}

// overviewFlight funnels a cache miss through the singleflight group. The
// closure re-checks the memo before computing: singleflight forgets its key
// once the winning call returns, so a caller that observed an empty cache but
// reaches the group only after that call completed must be served the stored
// result, not a second pass.
func (s *Stats) overviewFlight(ctx context.Context) *overviewResult {
	v, _, _ := s.flight.Do("overview", func() (interface{}, error) {
		s.mu.Lock()
		cached := s.overview
		s.mu.Unlock()
		if cached != nil {
			return cached, nil
		}
		result := s.collectOverview(ctx)
		s.mu.Lock()
		s.overview = result
		s.mu.Unlock()
		return result, nil
	})
	return v.(*overviewResult)
}

// collectOverview is the single full-aggregation pass: it pages through the
// owned and contributed-to collections in lockstep, merging both into one
// deduplicated repo set and folding per-repo language sizes into running
// totals. It must run at most once per Stats instance; snapshot enforces
// that.
func (s *Stats) collectOverview(ctx context.Context) *overviewResult {
	s.logger.Debug("Usecase: starting overview aggregation")
	result := &overviewResult{
		repos:     make(map[string]struct{}),
		languages: make(map[string]*domain.LanguageStat),
	}

	var ownedCursor, contribCursor string
	captured := false
	for {
		raw := s.requester.QueryGraph(ctx, query.Overview(ownedCursor, contribCursor))

		var envelope overviewEnvelope
		parsed := false
		if len(raw) > 0 {
			// Unmarshal keeps decoding past a type error, so a mangled page
			// still contributes whatever repos and pagination state it
			// carried. It just does not count as the successful page the
			// account counters are captured from.
			if err := json.Unmarshal(raw, &envelope); err != nil {
				s.logger.WithError(err).Warn("Overview page decoded only partially")
			} else {
				parsed = true
			}
		}
		viewer := envelope.Data.Viewer

		// Identity and account counters come from the first page that parsed
		// cleanly; later pages repeat the same top-level fields and are
		// ignored.
		if !captured && parsed {
			captured = true
			result.name = viewer.Name
			if result.name == "" {
				result.name = viewer.Login
			}
			result.issues = viewer.OpenIssues.TotalCount + viewer.ClosedIssues.TotalCount
			result.prs = viewer.PullRequests.TotalCount
		}

		candidates := viewer.Repositories.Nodes
		if !s.ignoreContrib {
			candidates = append(candidates, viewer.RepositoriesContributedTo.Nodes...)
		}
		for _, repo := range candidates {
			s.mergeRepo(result, repo)
		}

		ownedPage := viewer.Repositories.PageInfo
		contribPage := viewer.RepositoriesContributedTo.PageInfo
		if !ownedPage.HasNextPage && !contribPage.HasNextPage {
			break
		}
		// Each cursor advances independently; one that did not advance keeps
		// its previous value.
		if ownedPage.EndCursor != "" {
			ownedCursor = ownedPage.EndCursor
		}
		if contribPage.EndCursor != "" {
			contribCursor = contribPage.EndCursor
		}
	}

	if result.name == "" {
		result.name = "No Name"
	}

	var totalSize int
	for _, stat := range result.languages {
		totalSize += stat.Size
	}
	if totalSize > 0 {
		for _, stat := range result.languages {
			stat.Proportion = 100 * float64(stat.Size) / float64(totalSize)
		}
	}
	s.logger.WithField("repos", len(result.repos)).Debug("Usecase: overview aggregation complete")
	return result
}

// mergeRepo folds one candidate repository into the running result, honoring
// the dedup and exclusion rules.
func (s *Stats) mergeRepo(result *overviewResult, repo repoNode) {
	name := repo.NameWithOwner
	if name == "" {
		return
	}
	if _, seen := result.repos[name]; seen {
		return
	}
	if _, excluded := s.excludeRepos[name]; excluded {
		return
	}
	result.repos[name] = struct{}{}

	for _, edge := range repo.Languages.Edges {
		langName := edge.Node.Name
		if langName == "" {
			langName = "Other"
		}
		if _, excluded := s.excludeLangs[strings.ToLower(langName)]; excluded {
			continue
		}
		if stat, ok := result.languages[langName]; ok {
			stat.Size += edge.Size
			stat.Occurrences++
		} else {
			result.languages[langName] = &domain.LanguageStat{
				Size:        edge.Size,
				Occurrences: 1,
				Color:       edge.Node.Color,
			}
		}
	}
}

// TotalContributions returns the user's all-time contribution count, summed
// over every year GitHub reports activity for. The two-phase protocol first
// discovers the contribution years, then fetches all of them in one batched
// round trip. Memoized independently of the overview group.
func (s *Stats) TotalContributions(ctx context.Context) int {
	s.mu.Lock()
	cached := s.contribs
	s.mu.Unlock()
	if cached != nil {
		return *cached
	}
	return s.contributionsFlight(ctx)
}

func (s *Stats) contributionsFlight(ctx context.Context) int {
	v, _, _ := s.flight.Do("contributions", func() (interface{}, error) {
		s.mu.Lock()
		cached := s.contribs
		s.mu.Unlock()
		if cached != nil {
			return *cached, nil
		}
		total := s.collectContributions(ctx)
		s.mu.Lock()
		s.contribs = &total
		s.mu.Unlock()
		return total, nil
	})
	return v.(int)
}

func (s *Stats) collectContributions(ctx context.Context) int {
	var years yearsEnvelope
	if raw := s.requester.QueryGraph(ctx, query.ContributionYears()); len(raw) > 0 {
		if err := json.Unmarshal(raw, &years); err != nil {
			s.logger.WithError(err).Warn("Discarding unparseable contribution years response")
		}
	}
	yearList := years.Data.Viewer.ContributionsCollection.ContributionYears
	if len(yearList) == 0 {
		return 0
	}

	var byYear contributionsEnvelope
	if raw := s.requester.QueryGraph(ctx, query.AllContributions(yearList)); len(raw) > 0 {
		if err := json.Unmarshal(raw, &byYear); err != nil {
			s.logger.WithError(err).Warn("Discarding unparseable batched contributions response")
		}
	}
	total := 0
	for _, year := range byYear.Data.Viewer {
		total += year.ContributionCalendar.TotalContributions
	}
	return total
}

// LinesChanged returns the additions and deletions the user authored across
// all counted repositories, read from the contributor statistics REST
// endpoint. That endpoint computes on demand and answers 202 until ready,
// which the gateway's retry ladder absorbs; repositories whose statistics
// never materialize are skipped and the totals stay partial.
func (s *Stats) LinesChanged(ctx context.Context) (int, int) {
	s.mu.Lock()
	cached := s.lines
	s.mu.Unlock()
	if cached != nil {
		return cached.additions, cached.deletions
	}
	counts := s.linesFlight(ctx)
	return counts.additions, counts.deletions
}

func (s *Stats) linesFlight(ctx context.Context) lineCounts {
	v, _, _ := s.flight.Do("lines", func() (interface{}, error) {
		s.mu.Lock()
		cached := s.lines
		s.mu.Unlock()
		if cached != nil {
			return *cached, nil
		}
		counts := s.collectLinesChanged(ctx)
		s.mu.Lock()
		s.lines = &counts
		s.mu.Unlock()
		return counts, nil
	})
	return v.(lineCounts)
}

func (s *Stats) collectLinesChanged(ctx context.Context) lineCounts {
	var counts lineCounts
	for _, repo := range s.Repos(ctx) {
		raw := s.requester.QueryRest(ctx, fmt.Sprintf("/repos/%s/stats/contributors", repo), nil)
		if len(raw) == 0 {
			continue
		}
		var contributors []contributorStat
		if err := json.Unmarshal(raw, &contributors); err != nil {
			s.logger.WithError(err).WithField("repo", repo).Warn("Discarding unparseable contributor statistics")
			continue
		}
		for _, contributor := range contributors {
			if contributor.Author.Login != s.username {
				continue
			}
			for _, week := range contributor.Weeks {
				counts.additions += week.Additions
				counts.deletions += week.Deletions
			}
		}
	}
	return counts
}

// Views returns the total view count over all counted repositories, as far
// back as the traffic API reports.
func (s *Stats) Views(ctx context.Context) int {
	s.mu.Lock()
	cached := s.views
	s.mu.Unlock()
	if cached != nil {
		return *cached
	}
	return s.viewsFlight(ctx)
}

func (s *Stats) viewsFlight(ctx context.Context) int {
	v, _, _ := s.flight.Do("views", func() (interface{}, error) {
		s.mu.Lock()
		cached := s.views
		s.mu.Unlock()
		if cached != nil {
			return *cached, nil
		}
		total := s.collectViews(ctx)
		s.mu.Lock()
		s.views = &total
		s.mu.Unlock()
		return total, nil
	})
	return v.(int)
}

func (s *Stats) collectViews(ctx context.Context) int {
	total := 0
	for _, repo := range s.Repos(ctx) {
		raw := s.requester.QueryRest(ctx, fmt.Sprintf("/repos/%s/traffic/views", repo), nil)
		if len(raw) == 0 {
			continue
		}
		var traffic trafficViews
		if err := json.Unmarshal(raw, &traffic); err != nil {
			s.logger.WithError(err).WithField("repo", repo).Warn("Discarding unparseable traffic response")
			continue
		}
		for _, view := range traffic.Views {
			total += view.Count
		}
	}
	return total
}

// Name returns the user's display name, falling back to the account login.
func (s *Stats) Name(ctx context.Context) string {
	return s.snapshot(ctx).name
}

// Issues returns the user's open plus closed issue count.
func (s *Stats) Issues(ctx context.Context) int {
	return s.snapshot(ctx).issues
}

// PullRequests returns the user's pull request count.
func (s *Stats) PullRequests(ctx context.Context) int {
	return s.snapshot(ctx).prs
}

// Repos returns the names of all counted repositories, sorted for
// deterministic output.
func (s *Stats) Repos(ctx context.Context) []string {
	snap := s.snapshot(ctx)
	repos := make([]string, 0, len(snap.repos))
	for name := range snap.repos {
		repos = append(repos, name)
	}
	sort.Strings(repos)
	return repos
}

// Languages returns the aggregated language table.
func (s *Stats) Languages(ctx context.Context) map[string]domain.LanguageStat {
	snap := s.snapshot(ctx)
	languages := make(map[string]domain.LanguageStat, len(snap.languages))
	for name, stat := range snap.languages {
		languages[name] = *stat
	}
	return languages
}

// LanguagesProportional returns each language's share of the total byte size,
// as a percentage.
func (s *Stats) LanguagesProportional(ctx context.Context) map[string]float64 {
	snap := s.snapshot(ctx)
	proportions := make(map[string]float64, len(snap.languages))
	for name, stat := range snap.languages {
		proportions[name] = stat.Proportion
	}
	return proportions
}

// Snapshot assembles the full aggregate result into one coherent object.
func (s *Stats) Snapshot(ctx context.Context) domain.UserSnapshot {
	additions, deletions := s.LinesChanged(ctx)
	return domain.UserSnapshot{
		Name:               s.Name(ctx),
		TotalContributions: s.TotalContributions(ctx),
		Issues:             s.Issues(ctx),
		PullRequests:       s.PullRequests(ctx),
		Additions:          additions,
		Deletions:          deletions,
		Views:              s.Views(ctx),
		Repos:              s.Repos(ctx),
		Languages:          s.Languages(ctx),
	}
}

// Summary renders a human-readable overview of all available statistics.
// Languages are listed by descending share, name as tie-break.
func (s *Stats) Summary(ctx context.Context) string {
	languages := s.Languages(ctx)
	names := make([]string, 0, len(languages))
	for name := range languages {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if languages[names[i]].Proportion != languages[names[j]].Proportion {
			return languages[names[i]].Proportion > languages[names[j]].Proportion
		}
		return names[i] < names[j]
	})
	lines := make([]string, 0, len(names))
	for _, name := range names {
		lines = append(lines, fmt.Sprintf("%s: %.4f%%", name, languages[name].Proportion))
	}

	return fmt.Sprintf(`Name: %s
All-time contributions: %s
Repositories with contributions: %d
Languages:
  - %s`,
		s.Name(ctx),
		humanize.Comma(int64(s.TotalContributions(ctx))),
		len(s.Repos(ctx)),
		strings.Join(lines, "\n  - "))
}
