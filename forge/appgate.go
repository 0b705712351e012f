package forge

import (
	"context"

	"github.com/jaafar-jad/solostore/apps"
)

// LatestJob satisfies apps.BuildReader so Submit can gate on the most
// recent build outcome.
func (st *Store) LatestJob(ctx context.Context, appID string) (*apps.BuildInfo, error) {
	job, err := st.Latest(ctx, appID)
	if err != nil || job == nil {
		return nil, err
	}
	return &apps.BuildInfo{ID: job.ID, Status: string(job.Status)}, nil
}
