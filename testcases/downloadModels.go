package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	smot "github.com/HengLan/SMOT"
	"github.com/HengLan/SMOT/util/fileutil"
)

// download the tokenizers used by the integration runs.

var tokenizers = []string{
	smot.DefaultTokenizerRepo,
	"google-bert/bert-base-cased",
}

func main() {
	ctx := context.Background()
	if ok, err := fileutil.FileExists("./models"); err == nil {
		if !ok {
			err = os.MkdirAll("./models", os.ModePerm)
			if err != nil {
				panic(err)
			}
		}
		for _, repo := range tokenizers {
			if os.Getenv("CI") != "" && repo != smot.DefaultTokenizerRepo {
				continue // only the default tokenizer in cicd
			}

			if ok, err = fileutil.FileExists("./models/" + strings.ReplaceAll(repo, "/", "_")); err == nil {
				if !ok {
					options := smot.NewDownloadOptions()
					fmt.Printf("Downloading %s\n", repo)
					outPath, dlErr := smot.DownloadTokenizer(ctx, repo, "./models", options)
					if dlErr != nil {
						panic(dlErr)
					}
					fmt.Printf("Downloaded %s to %s\n", repo, outPath)
				}
			} else {
				panic(err)
			}
		}
	} else {
		panic(err)
	}
}
