// Package middleware provides rate limiting for the billing API.
//
// Charging, voiding and generating runs move money or take row locks, so the
// API limits how often a single account or run can hit those routes:
//
//	limiter := middleware.NewDistributedRateLimiter(redisClient, middleware.DefaultRateLimitConfig(), "billrun:ratelimit")
//	limit := middleware.RateLimit(limiter, middleware.RouteVarKey("account_id", "run_id"), logger)
//	router.Handle("/billing-runs/{run_id}/charge", limit(chargeHandler))
//
// RateLimiter keeps counters in process memory. DistributedRateLimiter keeps
// them in Redis so every replica shares the same window. Both use fixed
// windows. When Redis is unreachable the middleware fails open.
package middleware
