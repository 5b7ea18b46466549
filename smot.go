// Package smot assembles the multi-task video head: it loads the decoder and
// classifier graphs, the tokenizer and pretrained weights on a backend session and
// hands out ready GRiT heads.
package smot

import (
	"errors"
	"fmt"
	"slices"

	"github.com/phuslu/log"

	"github.com/HengLan/SMOT/backends"
	"github.com/HengLan/SMOT/options"
	"github.com/HengLan/SMOT/pipelines"
	"github.com/HengLan/SMOT/relations"
	"github.com/HengLan/SMOT/weights"
)

// Session loads models once and creates heads that share them.
type Session struct {
	heads              map[string]*headEntry
	models             map[string]*backends.Model
	tokenizers         map[string]*backends.Tokenizer
	options            *options.Options
	environmentDestroy func() error
}

type headEntry struct {
	head          *pipelines.GRiTHead
	modelPaths    []string
	tokenizerPath string
}

func newSession(backend string, opts ...options.WithOption) (*Session, error) {
	parsedOptions := options.Defaults()
	parsedOptions.Backend = backend
	for _, option := range opts {
		err := option(parsedOptions)
		if err != nil {
			return nil, err
		}
	}

	session := &Session{
		heads:      map[string]*headEntry{},
		models:     map[string]*backends.Model{},
		tokenizers: map[string]*backends.Tokenizer{},
		options:    parsedOptions,
		environmentDestroy: func() error {
			return nil
		},
	}
	return session, nil
}

// HeadConfig names the artifacts a head is built from.
type HeadConfig struct {
	// Name under which the head is stored in the session.
	Name string
	// TokenizerPath is a tokenizer.json file or a directory holding one.
	TokenizerPath string
	// DecoderPath is the text decoder graph, shared by the caption and summary decoders.
	DecoderPath string
	// ClassifierPath is the relation classifier graph.
	ClassifierPath string
	// CheckpointPath optionally points to a .pth or .safetensors detector checkpoint
	// whose text decoder weights are loaded into both decoders.
	CheckpointPath string
	DecoderOptions []pipelines.TextDecoderOption
	Options        []pipelines.HeadOption
}

func (c HeadConfig) Validate() error {
	var err error
	if c.Name == "" {
		err = errors.Join(err, errors.New("a name for the head is required"))
	}
	if c.TokenizerPath == "" {
		err = errors.Join(err, errors.New("a tokenizer path is required"))
	}
	if c.DecoderPath == "" {
		err = errors.Join(err, errors.New("a decoder model path is required"))
	}
	if c.ClassifierPath == "" {
		err = errors.Join(err, errors.New("a classifier model path is required"))
	}
	return err
}

// NewHead creates a head from config and stores it in the session so that
// session.Destroy releases its models.
func NewHead(s *Session, config HeadConfig) (*pipelines.GRiTHead, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if _, ok := s.heads[config.Name]; ok {
		return nil, fmt.Errorf("head %s has already been initialised", config.Name)
	}

	tokenizer, err := s.loadTokenizer(config.TokenizerPath)
	if err != nil {
		return nil, err
	}
	decoderModel, err := s.loadModel(config.DecoderPath)
	if err != nil {
		return nil, err
	}
	classifierModel, err := s.loadModel(config.ClassifierPath)
	if err != nil {
		return nil, err
	}

	captionTransformer, err := backends.NewONNXTransformer(decoderModel)
	if err != nil {
		return nil, fmt.Errorf("caption decoder: %w", err)
	}
	summaryTransformer, err := backends.NewONNXTransformer(decoderModel)
	if err != nil {
		return nil, fmt.Errorf("summary decoder: %w", err)
	}
	if config.CheckpointPath != "" {
		state, err := weights.Load(config.CheckpointPath)
		if err != nil {
			return nil, err
		}
		decoderState := weights.TextDecoderState(state)
		loaded := captionTransformer.LoadState(decoderState)
		summaryTransformer.LoadState(decoderState)
		log.Info().Str("checkpoint", config.CheckpointPath).Int("tensors", len(decoderState)).Int("loaded", loaded).Msg("loaded text decoder weights")
	}

	classifier, err := backends.NewONNXClassifier(classifierModel, relations.LabelWidth())
	if err != nil {
		return nil, err
	}

	// both decoders start from the dense captioning task token
	begin := pipelines.TaskBeginTokens(tokenizer.SpecialTokens().CLS)[pipelines.TaskDenseCap]
	log.Debug().Str("head", config.Name).Int("begin", int(begin)).Msg("decoder begin token")
	caption, err := pipelines.NewTextDecoder("caption", captionTransformer, tokenizer, begin, config.DecoderOptions...)
	if err != nil {
		return nil, err
	}
	summary, err := pipelines.NewTextDecoder("summary", summaryTransformer, tokenizer, begin, config.DecoderOptions...)
	if err != nil {
		return nil, err
	}
	relation, err := pipelines.NewRelationHead(classifier, relations.LabelWidth())
	if err != nil {
		return nil, err
	}
	head, err := pipelines.NewGRiTHead(caption, summary, relation, config.Options...)
	if err != nil {
		return nil, err
	}

	s.heads[config.Name] = &headEntry{
		head:          head,
		modelPaths:    []string{config.DecoderPath, config.ClassifierPath},
		tokenizerPath: config.TokenizerPath,
	}
	log.Info().Str("head", config.Name).Str("backend", s.options.Backend).Msg("head initialised")
	return head, nil
}

func (s *Session) loadModel(path string) (*backends.Model, error) {
	if model, ok := s.models[path]; ok {
		return model, nil
	}
	model, err := backends.LoadModel(path, s.options)
	if err != nil {
		return nil, err
	}
	s.models[path] = model
	return model, nil
}

func (s *Session) loadTokenizer(path string) (*backends.Tokenizer, error) {
	if tk, ok := s.tokenizers[path]; ok {
		return tk, nil
	}
	tk, err := backends.LoadTokenizer(path, s.options)
	if err != nil {
		return nil, err
	}
	s.tokenizers[path] = tk
	return tk, nil
}

// GetHead retrieves a head created with NewHead.
func GetHead(s *Session, name string) (*pipelines.GRiTHead, error) {
	entry, ok := s.heads[name]
	if !ok {
		return nil, &headNotFoundError{headName: name}
	}
	return entry.head, nil
}

// CloseHead removes a head and destroys the models and tokenizer no other head uses.
func CloseHead(s *Session, name string) error {
	entry, ok := s.heads[name]
	if !ok {
		return nil
	}
	delete(s.heads, name)

	var err error
	for _, path := range entry.modelPaths {
		if s.inUse(func(e *headEntry) bool { return slices.Contains(e.modelPaths, path) }) {
			continue
		}
		if model, ok := s.models[path]; ok {
			err = errors.Join(err, model.Destroy())
			delete(s.models, path)
		}
	}
	if !s.inUse(func(e *headEntry) bool { return e.tokenizerPath == entry.tokenizerPath }) {
		if tk, ok := s.tokenizers[entry.tokenizerPath]; ok {
			err = errors.Join(err, tk.Destroy())
			delete(s.tokenizers, entry.tokenizerPath)
		}
	}
	return err
}

func (s *Session) inUse(match func(*headEntry) bool) bool {
	for _, e := range s.heads {
		if match(e) {
			return true
		}
	}
	return false
}

type headNotFoundError struct {
	headName string
}

func (e *headNotFoundError) Error() string {
	return fmt.Sprintf("Head with name %s not found", e.headName)
}

// GetStats returns runtime statistics for all initialized heads: the time spent
// tokenizing, decoding and classifying, and the batch and failure counters.
func (s *Session) GetStats() []string {
	names := make([]string, 0, len(s.heads))
	for name := range s.heads {
		names = append(names, name)
	}
	slices.Sort(names)

	var stats []string
	for _, name := range names {
		st := s.heads[name].head.GetStatistics()
		stats = append(stats,
			fmt.Sprintf("Statistics for head: %s", name),
			fmt.Sprintf("Tokenizer: Total time=%s, Execution count=%d, Average query time=%s",
				st.TokenizerTotalTime, st.TokenizerExecutionCount, st.TokenizerAvgQueryTime),
			fmt.Sprintf("Decoder: Total time=%s, Execution count=%d, Average query time=%s",
				st.DecoderTotalTime, st.DecoderExecutionCount, st.DecoderAvgQueryTime),
			fmt.Sprintf("Classifier: Total time=%s, Execution count=%d, Average query time=%s",
				st.ClassifierTotalTime, st.ClassifierExecutionCount, st.ClassifierAvgQueryTime),
			fmt.Sprintf("Batches: trained=%d, inferred=%d, skipped=%d, expected failures=%d, unexpected failures=%d",
				st.TrainedBatches, st.InferredBatches, st.SkippedBatches, st.ExpectedFailures, st.UnexpectedFailures),
		)
	}
	return stats
}

// Destroy deletes the session, its models, tokenizers and backend environment.
// A session should be destroyed when not needed any more, preferably with a defer() call.
func (s *Session) Destroy() error {
	var err error
	for _, model := range s.models {
		err = errors.Join(err, model.Destroy())
	}
	for _, tk := range s.tokenizers {
		err = errors.Join(err, tk.Destroy())
	}
	s.models = nil
	s.tokenizers = nil
	s.heads = nil

	if s.options != nil {
		err = errors.Join(err, s.options.Destroy())
		s.options = nil
	}

	err = errors.Join(err, s.environmentDestroy())
	return err
}
