// Package pipelines holds the multi-task head: the text decoding heads used for
// captions and summaries, the relation head and the router that dispatches batches
// between them.
package pipelines

import (
	"math"
	"sync/atomic"
	"time"

	"gorgonia.org/tensor"

	"github.com/HengLan/SMOT/util/safeconv"
)

// Transformer is the autoregressive text decoder network. Logits returns one row of
// vocabulary logits per token position, conditioned on the fused features [L, D].
type Transformer interface {
	Logits(features *tensor.Dense, tokens []uint32) ([][]float32, error)
}

// Tokenizer converts between text and token ids.
type Tokenizer interface {
	Encode(text string, addSpecialTokens bool) ([]uint32, error)
	Decode(ids []uint32, skipSpecialTokens bool) (string, error)
	SpecialTokens() SpecialTokens
}

// Classifier scores fused pair features against the relation label space.
type Classifier interface {
	// Loss is the multi-label training loss of pairs against their encoded labels.
	Loss(pairs []*tensor.Dense, labels [][]float32) (float32, error)
	// Scores returns one row of raw label logits per pair.
	Scores(pairs []*tensor.Dense) ([][]float32, error)
}

// SpecialTokens are the BERT style special token ids of a tokenizer.
type SpecialTokens struct {
	CLS  uint32
	SEP  uint32
	PAD  uint32
	MASK uint32
}

// Task names a decoding task with its own begin token.
type Task string

const (
	TaskObjectDet Task = "ObjectDet"
	TaskDenseCap  Task = "DenseCap"
)

// Tasks in begin token order.
var Tasks = []Task{TaskObjectDet, TaskDenseCap}

// TaskBeginTokens assigns begin tokens: the first task starts from CLS and task i
// from token 103+i.
func TaskBeginTokens(cls uint32) map[Task]uint32 {
	tokens := make(map[Task]uint32, len(Tasks))
	for i, task := range Tasks {
		if i == 0 {
			tokens[task] = cls
			continue
		}
		tokens[task] = uint32(103 + i)
	}
	return tokens
}

type timings struct {
	NumCalls uint64
	TotalNS  uint64
}

func (t *timings) add(start time.Time) {
	if t == nil {
		return
	}
	atomic.AddUint64(&t.NumCalls, 1)
	atomic.AddUint64(&t.TotalNS, safeconv.DurationToU64(time.Since(start)))
}

func (t *timings) load() (uint64, uint64) {
	if t == nil {
		return 0, 0
	}
	return atomic.LoadUint64(&t.NumCalls), atomic.LoadUint64(&t.TotalNS)
}

// HeadStatistics are the running counters of a head.
type HeadStatistics struct {
	TokenizerTotalTime       time.Duration
	TokenizerExecutionCount  uint64
	TokenizerAvgQueryTime    time.Duration
	DecoderTotalTime         time.Duration
	DecoderExecutionCount    uint64
	DecoderAvgQueryTime      time.Duration
	ClassifierTotalTime      time.Duration
	ClassifierExecutionCount uint64
	ClassifierAvgQueryTime   time.Duration
	TrainedBatches           uint64
	InferredBatches          uint64
	SkippedBatches           uint64
	ExpectedFailures         uint64
	UnexpectedFailures       uint64
}

func averageDuration(calls, totalNS uint64) time.Duration {
	return time.Duration(float64(totalNS) / math.Max(1, float64(calls)))
}

func (s *HeadStatistics) addTokenizer(t *timings) {
	calls, total := t.load()
	s.TokenizerExecutionCount += calls
	s.TokenizerTotalTime += safeconv.U64ToDuration(total)
	s.TokenizerAvgQueryTime = averageDuration(s.TokenizerExecutionCount, safeconv.DurationToU64(s.TokenizerTotalTime))
}

func (s *HeadStatistics) addDecoder(t *timings) {
	calls, total := t.load()
	s.DecoderExecutionCount += calls
	s.DecoderTotalTime += safeconv.U64ToDuration(total)
	s.DecoderAvgQueryTime = averageDuration(s.DecoderExecutionCount, safeconv.DurationToU64(s.DecoderTotalTime))
}

func (s *HeadStatistics) addClassifier(t *timings) {
	calls, total := t.load()
	s.ClassifierExecutionCount += calls
	s.ClassifierTotalTime += safeconv.U64ToDuration(total)
	s.ClassifierAvgQueryTime = averageDuration(s.ClassifierExecutionCount, safeconv.DurationToU64(s.ClassifierTotalTime))
}
