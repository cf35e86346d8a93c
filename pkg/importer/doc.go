// Package importer runs bulk imports of customer or household records.
//
// Source files are JSON objects holding one array under a data key
// ("data" or "households"). Plan counts the records of every file from the
// token stream and produces lazy descriptors; records are loaded only when a
// worker picks the descriptor up and are released right after dispatch.
//
// Coordinator runs the descriptors through a bounded worker pool. Each
// worker waits while the session is paused, skips the descriptor once the
// session is stopped, and otherwise loads, dispatches and releases the
// batch. Batches complete in any order.
//
// Example usage:
//
//	coord, err := importer.New(importer.Config{
//		DataKey:   "data",
//		BatchSize: 70,
//		Workers:   3,
//		Sender:    dispatcher,
//		Artifacts: store,
//	})
//	summary, err := coord.Run(ctx, []string{"customers.json"})
//
// A stopped run writes failed_<items>/resume_work_<ts>/remaining_batches_<reason>.json.
// Pass its descriptors to RunDescriptors to finish the work later.
package importer
