package shmcache_test

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/arenakv/shmcache/pkg/shmcache"
)

func Example() {
	dir, err := os.MkdirTemp("", "shmcache")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(dir)

	cache, err := shmcache.Create(shmcache.Options{
		Path:     filepath.Join(dir, "example.cache"),
		MaxItems: 100,
	})
	if err != nil {
		log.Fatal(err)
	}
	defer cache.Close()

	if err := cache.Set([]byte("greeting"), []byte("hello, world")); err != nil {
		log.Fatal(err)
	}

	value, err := cache.Get([]byte("greeting"))
	if err != nil {
		log.Fatal(err)
	}

	fmt.Println(string(value))
	// Output: hello, world
}
