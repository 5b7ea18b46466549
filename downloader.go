package smot

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/gomlx/go-huggingface/hub"
	"github.com/phuslu/log"

	"github.com/HengLan/SMOT/util/fileutil"
)

// DefaultTokenizerRepo is the hub repository of the text decoder tokenizer.
const DefaultTokenizerRepo = "bert-base-uncased"

// tokenizerFiles are fetched when present; tokenizer.json is required.
var tokenizerFiles = []string{"tokenizer.json", "tokenizer_config.json", "special_tokens_map.json", "vocab.txt"}

// DownloadOptions is a struct of options that can be passed to DownloadTokenizer.
type DownloadOptions struct {
	AuthToken     string
	Branch        string
	MaxRetries    int
	RetryInterval int
	Verbose       bool
}

// NewDownloadOptions creates new DownloadOptions struct with default values.
// Override the values to specify different download options.
func NewDownloadOptions() DownloadOptions {
	d := DownloadOptions{}
	d.Branch = "main"
	d.MaxRetries = 5
	d.RetryInterval = 5
	return d
}

// DownloadTokenizer downloads the tokenizer files of a hub repository into a
// directory under destination and returns that directory.
func DownloadTokenizer(ctx context.Context, repoName string, destination string, options DownloadOptions) (string, error) {
	if options.MaxRetries <= 0 {
		return "", errors.New("MaxRetries must be greater than 0")
	}
	tokenizerPath := path.Join(destination, strings.ReplaceAll(repoName, "/", "_"))

	repo := hub.New(repoName)
	if options.AuthToken != "" {
		repo = repo.WithAuth(options.AuthToken)
	}
	repo.WithProgressBar(options.Verbose)
	if options.Branch != "" {
		repo.WithRevision(options.Branch)
	}

	downloadFiles, err := validateDownloadTokenizer(repo, repoName, options)
	if err != nil {
		return "", err
	}

	for i := 0; i < options.MaxRetries; i++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		downloadPaths, downloadErr := repo.DownloadFiles(downloadFiles...)
		if downloadErr != nil {
			log.Warn().Int("attempt", i+1).Int("maxRetries", options.MaxRetries).Err(downloadErr).Msg("tokenizer download failed")
			time.Sleep(time.Duration(options.RetryInterval) * time.Second)
			continue
		}

		for j, downloadPath := range downloadPaths {
			truePath, symErr := filepath.EvalSymlinks(downloadPath)
			if symErr != nil {
				return "", symErr
			}
			target := fileutil.PathJoinSafe(tokenizerPath, path.Base(downloadFiles[j]))
			if moveErr := fileutil.CopyFile(ctx, truePath, target); moveErr != nil {
				return "", moveErr
			}
		}
		log.Info().Str("repo", repoName).Str("path", tokenizerPath).Msg("tokenizer downloaded")
		return tokenizerPath, nil
	}
	return "", fmt.Errorf("failed to download %s after %d attempts", repoName, options.MaxRetries)
}

func validateDownloadTokenizer(repo *hub.Repo, repoName string, options DownloadOptions) ([]string, error) {
	for i := 0; i < options.MaxRetries; i++ {
		err := repo.DownloadInfo(false)
		if err == nil {
			break
		}
		log.Warn().Int("attempt", i+1).Int("maxRetries", options.MaxRetries).Err(err).Msg("listing repo failed")
		if i+1 == options.MaxRetries {
			return nil, err
		}
		time.Sleep(time.Duration(options.RetryInterval) * time.Second)
	}

	var toDownload []string
	for fileName, err := range repo.IterFileNames() {
		if err != nil {
			return nil, err
		}
		if slices.Contains(tokenizerFiles, fileName) {
			toDownload = append(toDownload, fileName)
		}
	}
	if !slices.Contains(toDownload, "tokenizer.json") {
		return nil, fmt.Errorf("repository %s has no tokenizer.json", repoName)
	}
	return toDownload, nil
}
