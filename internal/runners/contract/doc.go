// Package contract implements the contract_analysis producer. It reads the
// in-effect contracts for the run date, folds their rules into per-subject
// requirements, and judges the supplier's self-reported metrics against them.
// Self-reported evidence is weaker than direct observation, so during
// negotiation it defers to a disagreeing observational producer at reduced
// confidence.
package contract
