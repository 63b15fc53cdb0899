package redis

// keyspace builds every key the store touches under one prefix.
type keyspace string

const defaultKeyspace keyspace = "batch:"

// job returns the Hash key for a job: batch:job:{id}
func (k keyspace) job(id string) string { return string(k) + "job:" + id }

// jobs is the Sorted Set of every job id scored by creation time.
func (k keyspace) jobs() string { return string(k) + "jobs" }

// jobsOfType is the Set of every job id of one type.
func (k keyspace) jobsOfType(t string) string { return string(k) + "type:" + t }

// free is the Set of unleased job ids of one type.
func (k keyspace) free(t string) string { return string(k) + "free:" + t }

// leases is the Sorted Set of leased job ids scored by lease expiry.
func (k keyspace) leases() string { return string(k) + "leases" }

// load returns the Hash key for one ledger row.
func (k keyspace) load(t, partner string) string { return string(k) + "load:" + t + ":" + partner }

// loads is the Set of every ledger row key.
func (k keyspace) loads() string { return string(k) + "loads" }

// worker returns the Hash key for a registered process.
func (k keyspace) worker(id string) string { return string(k) + "worker:" + id }

// workers is the Sorted Set of process ids scored by registration time.
func (k keyspace) workers() string { return string(k) + "workers" }

// leader holds the leading process id with a TTL.
func (k keyspace) leader() string { return string(k) + "leader" }
