// Package redis implements the shared presence store on Redis.
//
// Gym membership lives in a set per gym (gym:{id}:climbers) and each climber's
// record in its own string key (climber:{user_id}) with a TTL. Membership and
// record writes go through MULTI/EXEC so other processes never observe a
// member without a record being written in the same step.
package redis
