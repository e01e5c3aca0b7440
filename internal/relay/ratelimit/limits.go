package ratelimit

import (
	"strings"

	"github.com/airlock-project/airlock/common/environment"
	"github.com/airlock-project/airlock/common/wire"
)

// Multimedia features with their own hourly/daily budgets.
const (
	FeatureImageGen      = "image-gen"
	FeatureTTS           = "tts"
	FeatureTranscription = "transcription"
	FeatureVideo         = "video"
	FeaturePublicPost    = "public-post"
	FeatureTokenRefresh  = "token-refresh"
)

// TierLimits caps a single (actor, tier) pair.
type TierLimits struct {
	PerMinute int
	PerHour   int
}

// FeatureLimits caps a single (feature, actor) pair.
type FeatureLimits struct {
	PerHour int
	PerDay  int
}

// Limits is the full cap table for both limiters.
type Limits struct {
	GlobalPerMinute int
	GlobalPerHour   int
	ActorPerMinute  int
	ActorPerHour    int

	Tiers    map[wire.Tier]TierLimits
	Features map[string]FeatureLimits
}

// DefaultLimits returns the built-in cap table.
func DefaultLimits() Limits {
	return Limits{
		GlobalPerMinute: 120,
		GlobalPerHour:   2000,
		ActorPerMinute:  30,
		ActorPerHour:    400,
		Tiers: map[wire.Tier]TierLimits{
			wire.TierReadOnly:     {PerMinute: 30, PerHour: 400},
			wire.TierWriteLocal:   {PerMinute: 20, PerHour: 240},
			wire.TierFullAccess:   {PerMinute: 15, PerHour: 180},
			wire.TierPublicSocial: {PerMinute: 10, PerHour: 60},
		},
		Features: map[string]FeatureLimits{
			FeatureImageGen:      {PerHour: 10, PerDay: 40},
			FeatureTTS:           {PerHour: 20, PerDay: 100},
			FeatureTranscription: {PerHour: 20, PerDay: 100},
			FeatureVideo:         {PerHour: 5, PerDay: 10},
			FeaturePublicPost:    {PerHour: 6, PerDay: 30},
			FeatureTokenRefresh:  {PerHour: 30, PerDay: 200},
		},
	}
}

// LimitsFromEnv returns DefaultLimits with any RELAY_LIMIT_* overrides
// applied. Recognized variables:
//
//	RELAY_LIMIT_GLOBAL_MINUTE, RELAY_LIMIT_GLOBAL_HOUR
//	RELAY_LIMIT_ACTOR_MINUTE,  RELAY_LIMIT_ACTOR_HOUR
//	RELAY_LIMIT_TIER_<TIER>_MINUTE / _HOUR      (e.g. TIER_READ_ONLY_MINUTE)
//	RELAY_LIMIT_FEATURE_<FEATURE>_HOUR / _DAY   (e.g. FEATURE_IMAGE_GEN_DAY)
//
// Tier and feature names are uppercased with hyphens mapped to underscores.
func LimitsFromEnv() Limits {
	l := DefaultLimits()
	l.GlobalPerMinute = environment.IntOr("RELAY_LIMIT_GLOBAL_MINUTE", l.GlobalPerMinute)
	l.GlobalPerHour = environment.IntOr("RELAY_LIMIT_GLOBAL_HOUR", l.GlobalPerHour)
	l.ActorPerMinute = environment.IntOr("RELAY_LIMIT_ACTOR_MINUTE", l.ActorPerMinute)
	l.ActorPerHour = environment.IntOr("RELAY_LIMIT_ACTOR_HOUR", l.ActorPerHour)
	for tier, tl := range l.Tiers {
		name := envToken(string(tier))
		tl.PerMinute = environment.IntOr("RELAY_LIMIT_TIER_"+name+"_MINUTE", tl.PerMinute)
		tl.PerHour = environment.IntOr("RELAY_LIMIT_TIER_"+name+"_HOUR", tl.PerHour)
		l.Tiers[tier] = tl
	}
	for feature, fl := range l.Features {
		name := envToken(feature)
		fl.PerHour = environment.IntOr("RELAY_LIMIT_FEATURE_"+name+"_HOUR", fl.PerHour)
		fl.PerDay = environment.IntOr("RELAY_LIMIT_FEATURE_"+name+"_DAY", fl.PerDay)
		l.Features[feature] = fl
	}
	return l
}

func envToken(name string) string {
	return strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
}
