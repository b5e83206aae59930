package supervisor

import (
	"context"
	"os"

	git "github.com/go-git/go-git/v5"
	"github.com/rs/zerolog"
)

// SyncRepo clones a repository requirement under the work dir, or pulls
// when the directory already holds a clone. Depth-1 clones keep plugin
// work dirs small.
func SyncRepo(ctx context.Context, repo Repo, log zerolog.Logger) error {
	if _, err := os.Stat(repo.Dir); err == nil {
		log.Info().Str("dir", repo.Dir).Msg("Pulling existing repo")
		r, err := git.PlainOpen(repo.Dir)
		if err != nil {
			return err
		}
		wt, err := r.Worktree()
		if err != nil {
			return err
		}
		err = wt.PullContext(ctx, &git.PullOptions{RemoteName: "origin"})
		if err == git.NoErrAlreadyUpToDate {
			return nil
		}
		return err
	}

	log.Info().Str("url", repo.URL).Str("dir", repo.Dir).Msg("Cloning repo")
	_, err := git.PlainCloneContext(ctx, repo.Dir, false, &git.CloneOptions{
		URL:   repo.URL,
		Depth: 1,
	})
	return err
}
