// Package visual implements the visual_inspection producer over pre-extracted
// image observations.
package visual
