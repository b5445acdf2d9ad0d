package artifact

import "strconv"

// Paths of the artifacts written under a save root.
const (
	TrainList    = "data/train_data.msgpack"
	EnrollList   = "data/sre16_enroll.msgpack"
	TestList     = "data/sre16_test.msgpack"
	SpeakerToIdx = "data/speaker_to_idx.msgpack"
	IdxToSpeaker = "data/idx_to_speaker.msgpack"
	DataSCP      = "data/data.scp"

	FeatureDir   = "mfcc"
	EmbeddingDir = "embeddings"
	ModelDir     = "models"
	StateDir     = "state"
	LogDir       = "logs"
)

// Lists maps the short names used on the command line to artifact paths.
var Lists = map[string]string{
	"train":          TrainList,
	"enroll":         EnrollList,
	"test":           TestList,
	"speaker_to_idx": SpeakerToIdx,
	"idx_to_speaker": IdxToSpeaker,
}

// FeaturePath is where the VAD-applied feature matrix of utterance id lives.
func FeaturePath(id string) string {
	return FeatureDir + "/" + id + ".npy"
}

// EmbeddingPath is where the embedding of row row of the named set
// ("enroll", "test") lives. Sets get their own directory because row
// indices restart at zero in every list.
func EmbeddingPath(set string, row int) string {
	return EmbeddingDir + "/" + set + "/" + strconv.Itoa(row) + ".npy"
}

// EmbeddingMarker names the checkpoint file the embeddings of set were
// produced with.
func EmbeddingMarker(set string) string {
	return EmbeddingDir + "/" + set + "/_checkpoint"
}
