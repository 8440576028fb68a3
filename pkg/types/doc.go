// Package types defines the shared domain model of BorgCube: jobs,
// repositories, clients, schedules and archives. These are plain
// structs with string enums; behavior lives in the packages that own
// the respective lifecycle (pkg/job, pkg/scheduler, pkg/daemon).
package types
