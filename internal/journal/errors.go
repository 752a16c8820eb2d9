package journal

import "github.com/cuongbtq/jobcore/internal/broker"

const headerError = broker.HeaderError
