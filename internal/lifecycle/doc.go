// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

/*
Package lifecycle holds the process-level plumbing around the mbaasd
supervisor: the PID file that identifies it, signalling it from the CLI,
and polling a worker's health endpoint.

The supervisor claims the PID file when it starts and removes it on a
clean exit:

	pidfile := lifecycle.NewPIDFileManager(cfg.Cluster.PIDFile)
	if err := pidfile.Acquire(os.Getpid()); err != nil {
	    return err
	}
	defer pidfile.Remove()

`mbaasd reload` and `mbaasd stop` read it back and only signal the PID when
it still belongs to an mbaasd process:

	pid, err := lifecycle.Signal(path, syscall.SIGHUP)

`mbaasd ping` polls a health endpoint with exponential backoff:

	checker := lifecycle.NewHealthChecker("http://localhost:8001/sys/info/ping")
	err := checker.WaitUntilHealthy(ctx)
*/
package lifecycle
