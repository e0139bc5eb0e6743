// Package manifest defines the deployment manifest format together with its
// parsing, validation, and target expansion rules. A manifest declares target
// accounts, provisionable products, and the baseline and launch sections that
// bind products to accounts and regions.
package manifest
