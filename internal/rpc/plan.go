package rpc

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// DeviceMemory is the memory reported by one endpoint.
type DeviceMemory struct {
	Endpoint string `json:"endpoint"`
	Free     uint64 `json:"free"`
	Total    uint64 `json:"total"`
	Err      error  `json:"-"`
}

// QueryAll asks every endpoint for its device memory concurrently. Results
// keep the order of endpoints; a failed endpoint carries its error in Err
// instead of failing the whole query.
func QueryAll(ctx context.Context, endpoints []string, opts ...DialOption) []DeviceMemory {
	out := make([]DeviceMemory, len(endpoints))
	var g errgroup.Group
	g.SetLimit(8)
	for i, ep := range endpoints {
		g.Go(func() error {
			out[i] = query(ctx, ep, opts)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func query(ctx context.Context, endpoint string, opts []DialOption) DeviceMemory {
	dm := DeviceMemory{Endpoint: endpoint}
	c, err := Dial(ctx, endpoint, opts...)
	if err != nil {
		dm.Err = err
		return dm
	}
	defer c.Close()
	dm.Free, dm.Total, dm.Err = c.DeviceMemory(ctx)
	return dm
}

// PlanSplit returns the fraction of layers each device should hold,
// proportional to its free memory. Devices that failed their query get
// nothing. When no device reports free memory the split is even.
func PlanSplit(mem []DeviceMemory) []float32 {
	if len(mem) == 0 {
		return nil
	}
	var sum uint64
	usable := 0
	for _, m := range mem {
		if m.Err == nil {
			sum += m.Free
			usable++
		}
	}
	out := make([]float32, len(mem))
	for i, m := range mem {
		switch {
		case m.Err != nil:
		case sum == 0:
			out[i] = 1 / float32(usable)
		default:
			out[i] = float32(float64(m.Free) / float64(sum))
		}
	}
	return out
}
