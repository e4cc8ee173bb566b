// Package config loads billrun configuration from environment variables.
//
// Every setting has a default; LoadConfig validates the result. A .env file
// in the working directory is loaded by cmd/billrun before LoadConfig runs.
//
// Server settings:
//
//	BILLRUN_HOST="0.0.0.0"
//	BILLRUN_PORT="8080"
//	BILLRUN_HEALTH_PORT="9090"
//
// Storage settings:
//
//	BILLRUN_POSTGRES_URL="postgres://localhost:5432/billrun?sslmode=disable"
//	BILLRUN_POSTGRES_REPLICA_URLS="postgres://replica:5432/billrun"
//	BILLRUN_MIGRATE_ON_START="true"
//	BILLRUN_REDIS_URL="redis://localhost:6379"
//
// Payments and billing:
//
//	BILLRUN_STRIPE_SECRET_KEY="sk_live_..."
//	BILLRUN_STRIPE_MOCK="false"
//	BILLRUN_CURRENCY="usd"
//	BILLRUN_AUTO_CONFIRM_AFTER="24h"
//	BILLRUN_CHARGE_TIMEOUT="30s"
//
// Scheduler (cron expressions are evaluated in UTC):
//
//	BILLRUN_SCHEDULER_ENABLED="true"
//	BILLRUN_WEEKLY_SCHEDULE="0 6 * * 1"
//	BILLRUN_RECONCILE_SCHEDULE="15 * * * *"
//	BILLRUN_RECONCILE_AFTER="1h"
//	BILLRUN_BATCH_CONCURRENCY="4"
//
// Notifications:
//
//	BILLRUN_NOTIFY_WEBHOOK_URL="https://mailer.internal/hooks/billing"
//	BILLRUN_NOTIFY_WEBHOOK_SECRET="..."
//
// Observability:
//
//	BILLRUN_LOG_LEVEL="info"
//	BILLRUN_METRICS_ENABLED="true"
//	BILLRUN_OTEL_ENABLED="false"
//	BILLRUN_OTEL_ENDPOINT="localhost:4317"
package config
