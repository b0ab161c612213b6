package classifier

import (
	"errors"
	"fmt"
)

// Detection is one class of the closed, ordered class set.
type Detection int

const (
	Adware Detection = iota
	Banking
	Benign
	Riskware
	SMS
)

// NumClasses is the width of every score vector.
const NumClasses = 5

var detectionNames = [NumClasses]string{"adware", "banking", "benign", "riskware", "sms"}

// DetectionFromIndex maps a score-vector index to its class.
func DetectionFromIndex(i int) (Detection, error) {
	if i < 0 || i >= NumClasses {
		return 0, fmt.Errorf("class index %d out of range", i)
	}
	return Detection(i), nil
}

func (d Detection) String() string {
	if d < 0 || int(d) >= NumClasses {
		return fmt.Sprintf("detection(%d)", int(d))
	}
	return detectionNames[d]
}

// MarshalText encodes the class by name.
func (d Detection) MarshalText() ([]byte, error) {
	if d < 0 || int(d) >= NumClasses {
		return nil, fmt.Errorf("invalid detection %d", int(d))
	}
	return []byte(detectionNames[d]), nil
}

// UnmarshalText decodes a class name.
func (d *Detection) UnmarshalText(text []byte) error {
	for i, name := range detectionNames {
		if name == string(text) {
			*d = Detection(i)
			return nil
		}
	}
	return fmt.Errorf("unknown detection %q", text)
}

// Verdict is the decision for one file.
type Verdict struct {
	Detection   Detection `json:"det"`
	Probability float32   `json:"proba"`
}

var errEmptyScores = errors.New("empty score vector")

// Decode picks the arg-max class of scores. Ties go to the lowest index.
// Every score must be a probability in [0, 1]; NaN and infinities are rejected.
func Decode(scores []float32) (Verdict, error) {
	if len(scores) == 0 {
		return Verdict{}, errEmptyScores
	}
	for i, s := range scores {
		if !(s >= 0 && s <= 1) {
			return Verdict{}, fmt.Errorf("score %d is %v, want a probability in [0, 1]", i, s)
		}
	}
	best := 0
	for i := 1; i < len(scores); i++ {
		if scores[i] > scores[best] {
			best = i
		}
	}
	det, err := DetectionFromIndex(best)
	if err != nil {
		return Verdict{}, err
	}
	return Verdict{Detection: det, Probability: scores[best]}, nil
}
