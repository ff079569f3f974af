/*
Package types defines the domain model shared by the coordinator and the
node agent: organizations, collaborations, studies, nodes, sessions,
dataframes, tasks, and runs, together with the status enums and the pure
derivations over them (task roll-up, dataframe readiness).

Derived values such as a task's status are computed from child rows on
demand and never stored; stored copies drift.
*/
package types
