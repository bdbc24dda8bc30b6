// Package planogram implements the planogram_matching producer. It runs after
// visual inspection and compares the products seen on the shelf against the
// reference layout for the subject. When the visual finding for the subject
// is missing or synthetic its confidence is halved.
package planogram
