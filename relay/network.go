package relay

import (
	"context"

	"github.com/sidguru2/EEG-Neurofeedback-Ball-Game/stream"
)

type networkOpener struct {
	network *stream.Network
}

// NetworkOpener adapts a stream.Network to Opener
func NetworkOpener(network *stream.Network) Opener {
	return networkOpener{network: network}
}

func (o networkOpener) OpenInlet(ctx context.Context, src stream.Descriptor) (Inlet, error) {
	in, err := o.network.OpenInlet(ctx, src)
	if err != nil {
		return nil, err
	}
	return in, nil
}

func (o networkOpener) OpenOutlet(ctx context.Context, desc stream.Descriptor) (Outlet, error) {
	out, err := o.network.OpenOutlet(ctx, desc)
	if err != nil {
		return nil, err
	}
	return out, nil
}
