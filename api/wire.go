package api

import (
	"context"

	"github.com/jaafar-jad/solostore/apps"
	"github.com/jaafar-jad/solostore/forge"
	"github.com/jaafar-jad/solostore/verify"
)

// DomainCheckerFor builds the orchestrator's verified-domain gate from
// the app store and the verifier: an app may build only while its
// attached verification record is verified.
func DomainCheckerFor(a *apps.Service, v *verify.Verifier) forge.DomainChecker {
	return func(ctx context.Context, appID string) (string, bool, error) {
		app, err := a.Get(ctx, appID)
		if err != nil {
			return "", false, err
		}
		if app.DomainVerificationID == "" {
			return "", false, nil
		}
		rec, err := v.Get(ctx, app.DomainVerificationID)
		if err != nil {
			return "", false, err
		}
		return rec.Domain, rec.Status == verify.StatusVerified, nil
	}
}
