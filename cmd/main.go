package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/mattn/go-isatty"
	"github.com/olekukonko/tablewriter"
	"github.com/phuslu/log"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	smot "github.com/HengLan/SMOT"
	"github.com/HengLan/SMOT/batches"
	"github.com/HengLan/SMOT/options"
	"github.com/HengLan/SMOT/pipelines"
	"github.com/HengLan/SMOT/relations"
	"github.com/HengLan/SMOT/util/fileutil"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	tokenizerPath     string
	decoderPath       string
	classifierPath    string
	checkpointPath    string
	inputPath         string
	outputPath        string
	backend           string
	sharedLibraryPath string
	threshold         float64
	strictDecoding    bool
	filter            string
	destination       string
)

var runCommand = &cli.Command{
	Name:  "run",
	Usage: "Describe tracks, clips and track relations in batches of detector features",
	Description: `Run expects a path to a .jsonl file, or a folder of .jsonl files, where each line is one batch:
				{"mode": "caption|summary|relation", "feats": [{"p3": {"shape": [...], "data": [...]}}], "pred_tracks": [{"id": 1, "features": {...}}]}
				`,
	ArgsUsage: `
				--input: path to a .jsonl file or a folder with .jsonl files to process. If omitted, the input will be read from stdin.
				--output: path to a folder where to write the output. If omitted, the output will be sent to stdout.
				--tokenizer: path to tokenizer.json or the folder holding it.
				--decoder / --classifier: paths to the text decoder and relation classifier .onnx graphs.
				--checkpoint: optional .pth or .safetensors checkpoint with text decoder weights.
				`,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:        "tokenizer",
			Usage:       "Path to tokenizer.json",
			Aliases:     []string{"t"},
			Destination: &tokenizerPath,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "decoder",
			Usage:       "Path to the text decoder .onnx graph",
			Aliases:     []string{"d"},
			Destination: &decoderPath,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "classifier",
			Usage:       "Path to the relation classifier .onnx graph",
			Aliases:     []string{"c"},
			Destination: &classifierPath,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "checkpoint",
			Usage:       "Path to a detector checkpoint",
			Destination: &checkpointPath,
		},
		&cli.StringFlag{
			Name:        "input",
			Usage:       "Path to the input data",
			Aliases:     []string{"i"},
			Destination: &inputPath,
		},
		&cli.StringFlag{
			Name:        "output",
			Usage:       "Path to output",
			Aliases:     []string{"o"},
			Destination: &outputPath,
		},
		&cli.StringFlag{
			Name:        "backend",
			Usage:       "GO or ORT",
			Aliases:     []string{"b"},
			Destination: &backend,
			Value:       "GO",
		},
		&cli.StringFlag{
			Name:        "onnxruntimeSharedLibrary",
			Usage:       "Folder holding the onnxruntime library (ORT backend)",
			Aliases:     []string{"s"},
			Destination: &sharedLibraryPath,
		},
		&cli.Float64Flag{
			Name:        "threshold",
			Usage:       "Minimum probability of a reported relation label",
			Destination: &threshold,
			Value:       0.5,
		},
		&cli.BoolFlag{
			Name:        "strict",
			Usage:       "Fail on the first unexpected decoding failure",
			Destination: &strictDecoding,
		},
	},
	Action: func(ctx *cli.Context) (err error) {
		session, err := newSession()
		if err != nil {
			return err
		}
		defer func() {
			err = errors.Join(err, session.Destroy())
		}()

		var headOptions []pipelines.HeadOption
		if strictDecoding {
			headOptions = append(headOptions, pipelines.WithStrictDecoding())
		}
		head, err := smot.NewHead(session, smot.HeadConfig{
			Name:           "cli",
			TokenizerPath:  tokenizerPath,
			DecoderPath:    decoderPath,
			ClassifierPath: classifierPath,
			CheckpointPath: checkpointPath,
			Options:        headOptions,
		})
		if err != nil {
			return err
		}

		var writer io.WriteCloser = nopCloser{os.Stdout}
		if outputPath != "" {
			writer, err = fileutil.NewFileWriter(fileutil.PathJoinSafe(outputPath, "result-0.jsonl"), "")
			if err != nil {
				return err
			}
		}
		defer func() {
			err = errors.Join(err, writer.Close())
		}()

		err = run(ctx.Context, head, relations.Default(), float32(threshold), writer)
		for _, line := range session.GetStats() {
			log.Info().Msg(line)
		}
		return err
	},
}

var relationsCommand = &cli.Command{
	Name:  "relations",
	Usage: "List the relation label vocabulary",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:        "filter",
			Usage:       "Only list labels containing this text",
			Aliases:     []string{"f"},
			Destination: &filter,
		},
	},
	Action: func(ctx *cli.Context) error {
		return listRelations(ctx.App.Writer, relations.Default(), filter)
	},
}

var downloadCommand = &cli.Command{
	Name:  "download",
	Usage: "Download the tokenizer files of the text decoder",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:        "destination",
			Usage:       "Folder to download into",
			Aliases:     []string{"o"},
			Destination: &destination,
			Value:       ".",
		},
	},
	Action: func(ctx *cli.Context) error {
		repo := smot.DefaultTokenizerRepo
		if ctx.Args().Present() {
			repo = ctx.Args().First()
		}
		tokenizerDir, err := smot.DownloadTokenizer(ctx.Context, repo, destination, smot.NewDownloadOptions())
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(ctx.App.Writer, tokenizerDir)
		return err
	},
}

func newApp() *cli.App {
	return &cli.App{
		Name:     "smot",
		Usage:    "Multi-task video captioning and relation heads from the command line",
		Commands: []*cli.Command{runCommand, relationsCommand, downloadCommand},
	}
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("smot failed")
	}
}

func newSession() (*smot.Session, error) {
	switch backend {
	case "GO":
		return smot.NewGoSession()
	case "ORT":
		var opts []options.WithOption
		if sharedLibraryPath != "" {
			opts = append(opts, options.WithOnnxLibraryPath(sharedLibraryPath))
		}
		return smot.NewORTSession(opts...)
	default:
		return nil, fmt.Errorf("backend %s not recognized", backend)
	}
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }

// Inferer runs inference on one batch. *pipelines.GRiTHead is an Inferer.
type Inferer interface {
	Infer(b batches.Batch) (*pipelines.InferOutput, error)
}

type inputLine struct {
	source string
	number int
	data   []byte
}

type relationResult struct {
	Source int      `json:"source"`
	Target int      `json:"target"`
	Labels []string `json:"labels"`
	Best   string   `json:"best"`
	Score  float32  `json:"score"`
}

type result struct {
	Source       string           `json:"source,omitempty"`
	Line         int              `json:"line"`
	Mode         string           `json:"mode,omitempty"`
	Skipped      bool             `json:"skipped,omitempty"`
	Descriptions []string         `json:"descriptions,omitempty"`
	TrackIDs     []int            `json:"track_ids,omitempty"`
	Relations    []relationResult `json:"relations,omitempty"`
	Failures     []string         `json:"failures,omitempty"`
	Error        string           `json:"error,omitempty"`
}

// run reads batches from --input (or stdin), infers them with a single processor
// goroutine and writes one result line per batch.
func run(ctx context.Context, head Inferer, vocabulary *relations.Vocabulary, threshold float32, writer io.Writer) error {
	g, ctx := errgroup.WithContext(ctx)
	lines := make(chan inputLine, 100)
	results := make(chan []byte, 100)

	g.Go(func() error {
		defer close(lines)
		return readInputs(ctx, lines)
	})
	g.Go(func() error {
		defer close(results)
		return process(ctx, head, vocabulary, threshold, lines, results)
	})
	g.Go(func() error {
		return writeOutputs(results, writer)
	})
	return g.Wait()
}

func readInputs(ctx context.Context, lines chan<- inputLine) error {
	if inputPath != "" {
		exists, err := fileutil.FileExists(inputPath)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("file %s does not exist", inputPath)
		}
		fileWalker := func(ctx context.Context, _ string, parent string, info os.FileInfo, reader io.Reader) (bool, error) {
			if filepath.Ext(info.Name()) != ".jsonl" {
				return true, nil
			}
			if err := readLines(ctx, fileutil.PathJoinSafe(parent, info.Name()), reader, lines); err != nil {
				return false, err
			}
			return true, nil
		}
		return fileutil.WalkDir()(ctx, inputPath, fileWalker)
	}
	if !isatty.IsTerminal(os.Stdin.Fd()) && !isatty.IsCygwinTerminal(os.Stdin.Fd()) {
		// there is something to process on stdin
		return readLines(ctx, "stdin", os.Stdin, lines)
	}
	return nil
}

func readLines(ctx context.Context, source string, r io.Reader, lines chan<- inputLine) error {
	reader := bufio.NewReader(r)
	for n := 1; ; n++ {
		line, err := fileutil.ReadLine(reader)
		if errors.Is(err, io.EOF) {
			if len(line) == 0 {
				return nil
			}
		} else if err != nil {
			return err
		}
		if len(strings.TrimSpace(string(line))) > 0 {
			select {
			case lines <- inputLine{source: source, number: n, data: line}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
	}
}

func process(ctx context.Context, head Inferer, vocabulary *relations.Vocabulary, threshold float32, lines <-chan inputLine, results chan<- []byte) error {
	for line := range lines {
		res := inferLine(head, vocabulary, threshold, line)
		if res.Error != "" && strictDecoding {
			return fmt.Errorf("%s:%d: %s", line.source, line.number, res.Error)
		}
		out, err := json.Marshal(res)
		if err != nil {
			return err
		}
		select {
		case results <- out:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func inferLine(head Inferer, vocabulary *relations.Vocabulary, threshold float32, line inputLine) result {
	res := result{Source: line.source, Line: line.number}
	b, err := batches.Decode(line.data)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.Mode = b.Mode().String()
	output, err := head.Infer(b)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	if output == nil {
		res.Skipped = true
		return res
	}
	res.Descriptions = output.Descriptions
	res.TrackIDs = output.TrackIDs
	for _, f := range output.Failures {
		res.Failures = append(res.Failures, f.Error())
	}
	for i, row := range output.Relations {
		if row == nil {
			continue
		}
		rel := relationResult{
			Source: output.PairIDs[i][0],
			Target: output.PairIDs[i][1],
			Labels: vocabulary.Decode(row, threshold),
		}
		// position 0 is not a label
		if len(row) > 1 {
			if best, score, err := pipelines.MaxProbability(row[1:]); err == nil {
				rel.Best, _ = vocabulary.Label(best)
				rel.Score = score
			}
		}
		res.Relations = append(res.Relations, rel)
	}
	return res
}

func writeOutputs(results <-chan []byte, writer io.Writer) error {
	for out := range results {
		if _, err := writer.Write(append(out, '\n')); err != nil {
			return err
		}
	}
	return nil
}

func listRelations(w io.Writer, vocabulary *relations.Vocabulary, filter string) error {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Position", "Index", "Relation"})
	for i, label := range vocabulary.Labels() {
		if filter != "" && !strings.Contains(label, filter) {
			continue
		}
		table.Append([]string{fmt.Sprint(i + 1), fmt.Sprint(i), label})
	}
	table.Render()
	return nil
}
