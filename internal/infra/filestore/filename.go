package filestore

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"time"
)

// Task file names look like 000001700000000.1234[.hash].7: zero padded seconds, ten
// thousandths of a second, an optional correlation hash and the collision attempt.
var (
	taskNameRe = regexp.MustCompile(`^(\d{15})\.(\d{4})(?:\.([A-Za-z0-9_-]+))?\.(\d+)$`)
	hashRe     = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
)

const fracUnit = 100 * time.Microsecond

type taskName struct {
	name    string
	sec     int64
	frac    int64
	hash    string
	attempt int
}

func formatTaskName(at time.Time, hash string, attempt int) string {
	sec := at.Unix()
	if sec < 0 {
		sec = 0
	}
	frac := int64(at.Nanosecond()) / int64(fracUnit)
	if hash != "" {
		return fmt.Sprintf("%015d.%04d.%s.%d", sec, frac, hash, attempt)
	}
	return fmt.Sprintf("%015d.%04d.%d", sec, frac, attempt)
}

func parseTaskName(name string) (taskName, bool) {
	m := taskNameRe.FindStringSubmatch(name)
	if m == nil {
		return taskName{}, false
	}
	sec, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return taskName{}, false
	}
	frac, _ := strconv.ParseInt(m[2], 10, 64)
	attempt, err := strconv.Atoi(m[4])
	if err != nil {
		return taskName{}, false
	}
	return taskName{name: name, sec: sec, frac: frac, hash: m[3], attempt: attempt}, true
}

func (n taskName) time() time.Time {
	return time.Unix(n.sec, n.frac*int64(fracUnit))
}

func (n taskName) less(o taskName) bool {
	if n.sec != o.sec {
		return n.sec < o.sec
	}
	if n.frac != o.frac {
		return n.frac < o.frac
	}
	if n.attempt != o.attempt {
		return n.attempt < o.attempt
	}
	return n.name < o.name
}

func sortTaskNames(names []taskName) {
	sort.Slice(names, func(i, j int) bool { return names[i].less(names[j]) })
}

func validHash(hash string) bool {
	return hashRe.MatchString(hash)
}
