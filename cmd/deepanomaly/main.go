// Command deepanomaly trains a convolutional autoencoder on one class of a labeled image corpus and
// reports how well the reconstruction error separates the other classes.
package main

import (
	"context"

	"github.com/jnb666/deepanomaly/nnet"
)

func main() {
	nnet.CheckErr(NewCLI().ExecuteContext(context.Background()))
}
