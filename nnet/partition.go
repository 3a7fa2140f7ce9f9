package nnet

import (
	"github.com/pkg/errors"
)

// Split holds the corpus positions of the normal and abnormal samples in corpus order.
// Every position is in exactly one of the two lists.
type Split struct {
	Normal   []int
	Abnormal []int
}

// Views are the data sets used by the pipeline: Train holds the normal samples used to fit the
// autoencoder, Normal and Abnormal are the fixed evaluation sets.
type Views struct {
	Train    Data
	Normal   Data
	Abnormal Data
}

// Partition separates the corpus into the normal class and everything else.
func Partition(d Data, normal int) (*Split, error) {
	if d.Len() == 0 {
		return nil, errors.Wrap(ErrEmptyPartition, "corpus is empty")
	}
	if normal < 0 || normal >= len(d.Classes()) {
		return nil, errors.Wrapf(ErrInvalidClass, "class %d not in [0,%d)", normal, len(d.Classes()))
	}
	s := &Split{}
	for i, label := range Labels(d) {
		if int(label) == normal {
			s.Normal = append(s.Normal, i)
		} else {
			s.Abnormal = append(s.Abnormal, i)
		}
	}
	if len(s.Normal) == 0 {
		return nil, errors.Wrapf(ErrEmptyPartition, "no samples with class %d", normal)
	}
	return s, nil
}

// Views returns the training set and the first nNormal normal and nAbnormal abnormal samples
// as evaluation sets. The training set contains all normal samples unless holdOut is set, in which
// case the normal evaluation samples are excluded from it.
func (s *Split) Views(d Data, nNormal, nAbnormal int, holdOut bool) (Views, error) {
	if nNormal <= 0 || nNormal > len(s.Normal) {
		return Views{}, errors.Wrapf(ErrInsufficientSamples, "requested %d normal samples, have %d", nNormal, len(s.Normal))
	}
	if nAbnormal <= 0 || nAbnormal > len(s.Abnormal) {
		return Views{}, errors.Wrapf(ErrInsufficientSamples, "requested %d abnormal samples, have %d", nAbnormal, len(s.Abnormal))
	}
	train := s.Normal
	if holdOut {
		train = s.Normal[nNormal:]
		if len(train) == 0 {
			return Views{}, errors.Wrap(ErrEmptyPartition, "no normal samples left for training")
		}
	}
	return Views{
		Train:    Subset(d, train),
		Normal:   Subset(d, s.Normal[:nNormal]),
		Abnormal: Subset(d, s.Abnormal[:nAbnormal]),
	}, nil
}
