// Package model holds the job and outcome types shared by the scheduler, the scrape
// pipeline and storage.
package model
