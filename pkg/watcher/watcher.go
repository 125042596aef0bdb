// Package watcher streams add, update and delete notifications for a
// dynamic resource, restarting the watch when the server closes it.
package watcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/dynamic"

	"github.com/kubescape/pidtrap/pkg/logger"
)

const defaultRetryDelay = 5 * time.Second

type WatchNotifyFunctions struct {
	AddFunc    func(obj *unstructured.Unstructured)
	UpdateFunc func(obj *unstructured.Unstructured)
	DeleteFunc func(obj *unstructured.Unstructured)
}

type WatcherInterface interface {
	Start(notifyF WatchNotifyFunctions, gvr schema.GroupVersionResource, listOptions metav1.ListOptions) error
	Stop()
}

type Watcher struct {
	preList    bool
	client     dynamic.Interface
	retryDelay time.Duration
	log        logrus.FieldLogger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewWatcher returns a watcher on client. With preList, objects existing
// before Start are reported through AddFunc first.
func NewWatcher(client dynamic.Interface, preList bool) *Watcher {
	return &Watcher{
		client:     client,
		preList:    preList,
		retryDelay: defaultRetryDelay,
		log:        logger.GetLogger().WithField("component", "watcher"),
	}
}

func (w *Watcher) Start(notifyF WatchNotifyFunctions, gvr schema.GroupVersionResource, listOptions metav1.ListOptions) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return fmt.Errorf("watcher already started")
	}

	ctx, cancel := context.WithCancel(context.Background())
	resources := w.client.Resource(gvr).Namespace(metav1.NamespaceAll)

	resourceVersion := ""
	if w.preList {
		opts := listOptions
		opts.Watch = false
		list, err := resources.List(ctx, opts)
		if err != nil {
			cancel()
			return err
		}
		for i := range list.Items {
			notifyF.AddFunc(&list.Items[i])
		}
		resourceVersion = list.GetResourceVersion()
	} else {
		resourceVersion = "0"
	}

	listOptions.Watch = true
	listOptions.ResourceVersion = resourceVersion
	watcher, err := resources.Watch(ctx, listOptions)
	if err != nil {
		cancel()
		return err
	}

	w.cancel = cancel
	w.done = make(chan struct{})
	go w.run(ctx, watcher, notifyF, resources, listOptions)
	return nil
}

func (w *Watcher) run(ctx context.Context, watcher watch.Interface, notifyF WatchNotifyFunctions,
	resources dynamic.ResourceInterface, listOptions metav1.ListOptions) {
	defer close(w.done)
	for {
		if watcher != nil {
			w.consume(ctx, watcher, notifyF, &listOptions.ResourceVersion)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.retryDelay):
		}

		var err error
		watcher, err = resources.Watch(ctx, listOptions)
		if err != nil {
			w.log.WithError(err).Warn("watcher restart error")
			watcher = nil
		}
	}
}

// consume delivers events until the watch closes or ctx is done.
func (w *Watcher) consume(ctx context.Context, watcher watch.Interface, notifyF WatchNotifyFunctions, resourceVersion *string) {
	defer watcher.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.ResultChan():
			if !ok {
				return
			}
			if event.Type == watch.Error {
				w.log.WithField("object", event.Object).Warn("watcher error")
				continue
			}
			obj, ok := event.Object.(*unstructured.Unstructured)
			if !ok || obj == nil {
				w.log.WithField("type", event.Type).Warn("watcher error: unexpected object")
				continue
			}
			*resourceVersion = obj.GetResourceVersion()
			switch event.Type {
			case watch.Added:
				notifyF.AddFunc(obj)
			case watch.Modified:
				notifyF.UpdateFunc(obj)
			case watch.Deleted:
				notifyF.DeleteFunc(obj)
			}
		}
	}
}

func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel == nil {
		return
	}
	w.cancel()
	<-w.done
	w.cancel = nil
}
