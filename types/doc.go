/*
Package types provides the mediation core's shared type definitions.

# Overview

types is the lowest-level package: it depends on nothing else internal, and
gives adapter, cache, ledger, circuit, router and tokenizer a common
vocabulary. Every struct, enum and error code shared across package
boundaries lives here to avoid import cycles.

# Core types

  - Message            — a conversation message (Role, Content, ToolCalls, Images)
  - ToolSchema          — a tool definition (name + description + JSON Schema parameters)
  - ToolResult          — the result of a tool invocation
  - Error / ErrorCode   — the structured error hierarchy, with HTTP status, Retryable and Provider
  - JSONSchema          — JSON Schema definitions and builders (NewObjectSchema and friends)
  - CacheEntry          — a persisted cache row (durable cache tier)
  - UsageRow            — a single usage-ledger record
  - BudgetRecord        — a running total for a budget scope (daily/monthly/per-user)

# Capabilities

  - Error helpers: NewError with the WithCause / WithHTTPStatus / WithRetryable /
    WithProvider builders, plus IsRetryable / GetErrorCode
  - Token estimation: EstimateTokenizer (separate per-rune cost for CJK text)
*/
package types
