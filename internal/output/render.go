package output

import (
	"fmt"
	"strings"
	"time"

	"github.com/joescharf/forest/internal/events"
	"github.com/joescharf/forest/internal/models"
	"github.com/joescharf/forest/internal/workspace"
)

const idWidth = 10

func shortID(id string) string {
	if len(id) <= idWidth {
		return id
	}
	return id[:idWidth]
}

func groupLabel(v workspace.RepoView) string {
	switch {
	case v.Kind == models.RepoKindFolder:
		return "(folder)"
	case v.Enrichment == nil || !v.Enrichment.IsResolved():
		return yellow("resolving")
	case v.Enrichment.IsLocal():
		return "(local)"
	default:
		id := v.Enrichment.Identity
		if id.RemoteSlug != nil {
			return *id.RemoteSlug
		}
		return id.DisplayName
	}
}

func mainWorktree(v workspace.RepoView) (workspace.WorktreeView, bool) {
	for _, wt := range v.Worktrees {
		if wt.IsMain {
			return wt, true
		}
	}
	return workspace.WorktreeView{}, false
}

// RepoTable prints one row per repository.
func (u *UI) RepoTable(views []workspace.RepoView) error {
	table := u.Table([]string{"ID", "Name", "Remote", "Branch", "Status", "Worktrees", "PRs", "Path"})
	for _, v := range views {
		name := v.Name
		if v.Orphaned {
			name = red(name + " (orphaned)")
		}
		branch, status, prs := "-", "-", "-"
		if wt, ok := mainWorktree(v); ok && wt.Enrichment != nil {
			branch = wt.Enrichment.Branch
			status = StatusColor(wt.Enrichment.Status)
		}
		if v.Forge != nil {
			total := 0
			for _, n := range v.Forge.CountsByBranch {
				total += n
			}
			prs = CountColor(&total)
			if v.Forge.Stale() {
				prs += yellow("*")
			}
		}
		if err := table.Append([]string{
			shortID(v.ID),
			name,
			groupLabel(v),
			branch,
			status,
			fmt.Sprintf("%d", len(v.Worktrees)),
			prs,
			v.Path,
		}); err != nil {
			return err
		}
	}
	return table.Render()
}

// RepoDetail prints a repository and its worktrees.
func (u *UI) RepoDetail(v workspace.RepoView) error {
	fmt.Fprintf(u.Out, "%s  %s\n", Cyan(v.Name), v.ID)
	fmt.Fprintf(u.Out, "  Path:    %s\n", v.Path)
	fmt.Fprintf(u.Out, "  Kind:    %s\n", v.Kind)
	fmt.Fprintf(u.Out, "  Remote:  %s\n", groupLabel(v))
	if v.Enrichment != nil && v.Enrichment.IsResolved() && !v.Enrichment.IsLocal() {
		fmt.Fprintf(u.Out, "  Group:   %s\n", v.Enrichment.Identity.GroupKey)
		fmt.Fprintf(u.Out, "  Origin:  %s\n", *v.Enrichment.Raw.Origin)
		if up := v.Enrichment.Raw.Upstream; up != nil {
			fmt.Fprintf(u.Out, "  Upstream: %s\n", *up)
		}
	}
	if v.Orphaned {
		fmt.Fprintf(u.Out, "  %s\n", red("orphaned"))
	}
	if v.Forge != nil {
		switch {
		case v.Forge.Stale():
			fmt.Fprintf(u.Out, "  Forge:   %s %s\n", yellow("stale"), v.Forge.LastError)
		case v.Forge.UpdatedAt != nil:
			fmt.Fprintf(u.Out, "  Forge:   updated %s\n", v.Forge.UpdatedAt.Local().Format(time.DateTime))
		}
	}
	if len(v.Worktrees) == 0 {
		return nil
	}

	fmt.Fprintln(u.Out)
	table := u.Table([]string{"Worktree", "Branch", "Status", "PRs", "Reviews", "Path"})
	for _, wt := range v.Worktrees {
		name := wt.Name
		if wt.IsMain {
			name += " (main)"
		}
		branch, status := "-", "-"
		var prs, reviews *int
		if e := wt.Enrichment; e != nil {
			branch = e.Branch
			status = StatusColor(e.Status)
			prs, reviews = e.OpenPullRequests, e.ReviewRequests
		}
		if err := table.Append([]string{name, branch, status, CountColor(prs), CountColor(reviews), wt.Path}); err != nil {
			return err
		}
	}
	return table.Render()
}

// GroupTable prints repositories bucketed by identity.
func (u *UI) GroupTable(groups []workspace.Group) error {
	table := u.Table([]string{"Group", "Organization", "Clones", "Dirty", "PRs"})
	for _, g := range groups {
		dirty, prs := 0, 0
		for _, v := range g.Repos {
			for _, wt := range v.Worktrees {
				if wt.Enrichment == nil {
					continue
				}
				if wt.Enrichment.Status.Dirty() {
					dirty++
				}
				if n := wt.Enrichment.OpenPullRequests; n != nil {
					prs += *n
				}
			}
		}
		org := g.Organization
		if org == "" {
			org = "-"
		}
		if err := table.Append([]string{
			Cyan(g.DisplayName),
			org,
			fmt.Sprintf("%d", len(g.Repos)),
			fmt.Sprintf("%d", dirty),
			CountColor(&prs),
		}); err != nil {
			return err
		}
	}
	return table.Render()
}

// Event prints one bus envelope as a single line.
func (u *UI) Event(w events.Wire) {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %-11s #%-5d %s",
		w.Meta.Timestamp.Local().Format("15:04:05.000"),
		w.Meta.Source,
		w.Meta.Seq,
		Cyan(w.Kind),
	)
	if w.RepoID != "" {
		fmt.Fprintf(&b, " repo=%s", shortID(w.RepoID))
	}
	if w.WorktreeID != "" {
		fmt.Fprintf(&b, " worktree=%s", shortID(w.WorktreeID))
	}
	if len(w.Payload) > 0 && string(w.Payload) != "{}" && string(w.Payload) != "null" {
		b.WriteString(" ")
		b.Write(w.Payload)
	}
	fmt.Fprintln(u.Out, b.String())
}
