// Package triage provides the business boundary for Warden's alert triage.
// It defines the Engine (classifier context, prompt, generation with model
// fallback, strict verdict parsing), the Service (single and batch analysis,
// history, notifications), the Store interface and the domain models.
package triage
