package entitlement_test

import "codecanvas.io/internal/auth"

func userWithCredits(identity string, credits int64) auth.User {
	return auth.User{Identity: identity, PlanType: "pro", Credits: credits}
}
