//go:build !NODOWNLOAD

package diffbench

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"slices"
	"time"

	"github.com/gomlx/go-huggingface/hub"
	"github.com/phuslu/log"

	"github.com/knights-analytics/diffbench/util/fileutil"
)

// DefaultTokenizerRepo is the tokenizer the CLIP text encoder was trained with.
const DefaultTokenizerRepo = "openai/clip-vit-large-patch14"

// DownloadOptions is a struct of options that can be passed to DownloadModel.
type DownloadOptions struct {
	AuthToken             string
	Files                 []string
	Branch                string
	MaxRetries            int
	RetryInterval         int
	ConcurrentConnections int
	Verbose               bool
}

// NewDownloadOptions creates new DownloadOptions struct with default values, fetching the
// tokenizer files. Override the values to specify different download options.
func NewDownloadOptions() DownloadOptions {
	d := DownloadOptions{}
	d.Files = []string{"tokenizer.json", "tokenizer_config.json"}
	d.Branch = "main"
	d.MaxRetries = 5
	d.RetryInterval = 5
	d.ConcurrentConnections = 5
	return d
}

// DownloadModel downloads files of a Hugging Face repository into destination, which may be
// a local directory or an s3:// URL, and returns the written paths.
func DownloadModel(repoName string, destination string, options DownloadOptions) ([]string, error) {
	if len(options.Files) == 0 {
		return nil, errors.New("no files to download")
	}
	if options.MaxRetries <= 0 {
		options.MaxRetries = 1
	}

	repo := hub.New(repoName)
	if options.AuthToken != "" {
		repo = repo.WithAuth(options.AuthToken)
	}
	if options.ConcurrentConnections > 0 {
		repo.MaxParallelDownload = options.ConcurrentConnections
	}
	if options.Verbose {
		repo.Verbosity = 1
		repo.WithProgressBar(true)
	} else {
		repo.Verbosity = 0
		repo.WithProgressBar(false)
	}
	if options.Branch != "" {
		repo.WithRevision(options.Branch)
	}

	downloadFiles, err := validateDownloadRepo(repo, options)
	if err != nil {
		return nil, err
	}

	for i := 0; i < options.MaxRetries; i++ {
		downloadPaths, downloadErr := repo.DownloadFiles(downloadFiles...)
		if downloadErr != nil {
			log.Warn().Err(downloadErr).Msgf("attempt %d / %d failed", i+1, options.MaxRetries)
			time.Sleep(time.Duration(options.RetryInterval) * time.Second)
			continue
		}

		written := make([]string, 0, len(downloadPaths))
		for j, downloadPath := range downloadPaths {
			truePath, symErr := filepath.EvalSymlinks(downloadPath)
			if symErr != nil {
				return nil, symErr
			}
			target := fileutil.PathJoinSafe(destination, path.Base(downloadFiles[j]))
			if copyErr := fileutil.CopyFile(context.Background(), truePath, target); copyErr != nil {
				return nil, copyErr
			}
			written = append(written, target)
		}

		log.Info().Str("repo", repoName).Str("destination", destination).Msg("download completed")
		return written, nil
	}

	return nil, fmt.Errorf("failed to download %s after %d attempts", repoName, options.MaxRetries)
}

func validateDownloadRepo(repo *hub.Repo, options DownloadOptions) ([]string, error) {
	for i := 0; i < options.MaxRetries; i++ {
		err := repo.DownloadInfo(false)
		if err == nil {
			break
		}
		log.Warn().Err(err).Msgf("list repo attempt %d / %d failed", i+1, options.MaxRetries)
		if i+1 == options.MaxRetries {
			return nil, err
		}
		time.Sleep(time.Duration(options.RetryInterval) * time.Second)
	}

	var available []string
	for fileName, err := range repo.IterFileNames() {
		if err != nil {
			return nil, err
		}
		available = append(available, fileName)
	}
	return selectFiles(available, options.Files)
}

// selectFiles matches every wanted file against the repository listing, by full path or by
// base name.
func selectFiles(available []string, wanted []string) ([]string, error) {
	var errs []error
	files := make([]string, 0, len(wanted))
	for _, want := range wanted {
		if slices.Contains(available, want) {
			files = append(files, want)
			continue
		}
		match := ""
		for _, name := range available {
			if filepath.Base(name) == want {
				match = name
				break
			}
		}
		if match == "" {
			errs = append(errs, fmt.Errorf("file %s not found in repository", want))
			continue
		}
		files = append(files, match)
	}
	return files, errors.Join(errs...)
}
